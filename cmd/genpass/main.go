package main

import (
	"fmt"
	"os"

	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
)

// Prints the argon2id hash for a password, for pasting into SQL fixtures.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: genpass <password>")
		os.Exit(2)
	}
	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "genpass: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
