// Command genkey prints a freshly generated 32 byte key, hex encoded.
// The output format matches what the key environment variables of the
// server expect.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/mackdin/authcore/internal/krypto"
)

func main() {
	key, err := krypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hex.EncodeToString(key.SecretValue()))
}
