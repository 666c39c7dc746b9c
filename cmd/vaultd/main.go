package main

import (
	"log"

	"vaultescrow/cmd/internal/passphrase"
	"vaultescrow/services/vaultd"
)

func main() {
	resolve := func(envVar string) (string, error) {
		return passphrase.NewSource(envVar).Get()
	}
	if err := vaultd.Main(resolve); err != nil {
		log.Fatalf("vaultd: %v", err)
	}
}
