package main

import (
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	// Generate an ECDSA identity key for private-relay authentication
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal("Failed to generate key:", err)
	}

	privateKeyHex := fmt.Sprintf("%x", crypto.FromECDSA(privateKey))
	fmt.Printf("ARBD_RELAY_KEY=0x%s\n", privateKeyHex)

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	fmt.Printf("Relay identity address: %s\n", address.Hex())
}
