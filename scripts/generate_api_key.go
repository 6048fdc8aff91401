package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/transitlive/tracker_core/internal/auth"
)

func main() {
	env := flag.String("env", "test", "Environment: test or live")
	label := flag.String("label", "Device", "Human readable key label")
	vehicle := flag.String("vehicle", "", "Bind the key to one vehicle id (optional)")
	flag.Parse()

	if *env != "test" && *env != "live" {
		fmt.Println("Error: env must be 'test' or 'live'")
		os.Exit(1)
	}

	key, hash, err := auth.GenerateKey(*env)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	vehicleSQL := "NULL"
	if *vehicle != "" {
		vehicleSQL = fmt.Sprintf("'%s'", *vehicle)
	}

	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Println("🔑 Device Key Generated")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("Environment:  %s\n", *env)
	fmt.Printf("Label:        %s\n", *label)
	if *vehicle != "" {
		fmt.Printf("Vehicle:      %s\n", *vehicle)
	}
	fmt.Printf("\nDevice Key (show ONLY ONCE):\n%s\n", key)
	fmt.Printf("\nHash (store in database or device keys file):\n%s\n", hash)
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Println("\n⚠️  Save the key now! You won't be able to see it again.")
	fmt.Println("\nTo insert into database:")
	fmt.Printf("INSERT INTO device_keys (key_hash, label, vehicle_id)\n")
	fmt.Printf("VALUES ('%s', '%s', %s);\n", hash, *label, vehicleSQL)
	fmt.Println("\nOr add to the device keys file:")
	fmt.Printf("- label: %s\n  key_sha256: %s\n", *label, hash)
	if *vehicle != "" {
		fmt.Printf("  vehicle_id: %s\n", *vehicle)
	}
	fmt.Println("═══════════════════════════════════════════════════")
}
