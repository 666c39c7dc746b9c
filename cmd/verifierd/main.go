package main

import (
	"log"

	"vaultescrow/services/verifier"
)

func main() {
	if err := verifier.Main(); err != nil {
		log.Fatalf("verifierd: %v", err)
	}
}
