package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/marzops/rotator/internal/util"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: ENCRYPTION_KEY=<hex> go run scripts/encrypt-secret.go <panel-password>\n")
		os.Exit(1)
	}

	_ = godotenv.Load()
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		fmt.Fprintf(os.Stderr, "Error: ENCRYPTION_KEY is not set\n")
		os.Exit(1)
	}

	enc, err := util.Encrypt(key, os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(enc)
}
