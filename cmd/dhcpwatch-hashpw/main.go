// dhcpwatch-hashpw generates bcrypt password hashes for API users.
// Usage:
//
//	dhcpwatch-hashpw
//	dhcpwatch-hashpw -cost 12
//	dhcpwatch-hashpw -user alice -role admin   # prints a [[api.auth.users]] block
//	dhcpwatch-hashpw -verify '$2a$10$...'      # checks a password against a hash
//	echo 'mypassword' | dhcpwatch-hashpw
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")
	user := flag.String("user", "", "print a config block for this username instead of the bare hash")
	role := flag.String("role", "viewer", "role for -user: admin or viewer")
	verify := flag.String("verify", "", "check the password against this hash instead of hashing")
	flag.Parse()

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fatalf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if *role != "admin" && *role != "viewer" {
		fatalf("role must be admin or viewer, got %q", *role)
	}

	password, err := readPassword(flag.Arg(0), *verify == "")
	if err != nil {
		fatalf("%v", err)
	}

	if *verify != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(*verify), []byte(password)); err != nil {
			fmt.Fprintln(os.Stderr, "password does not match")
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "password matches")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), *cost)
	if err != nil {
		fatalf("%v", err)
	}

	if *user != "" {
		fmt.Print(userBlock(*user, *role, string(hash)))
		return
	}
	fmt.Println(string(hash))
}

// readPassword takes the password from arg, a pipe, or an interactive
// prompt, in that order. confirm asks twice when prompting.
func readPassword(arg string, confirm bool) (string, error) {
	if arg != "" {
		return arg, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readPiped(os.Stdin)
	}

	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(pw) == 0 {
		return "", errors.New("password must not be empty")
	}
	if !confirm {
		return string(pw), nil
	}

	fmt.Fprint(os.Stderr, "Confirm:  ")
	pw2, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	if string(pw2) != string(pw) {
		return "", errors.New("passwords do not match")
	}
	return string(pw), nil
}

// readPiped reads the first line of r as the password.
func readPiped(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	var password string
	if scanner.Scan() {
		password = strings.TrimSpace(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}
	if password == "" {
		return "", errors.New("empty password from stdin")
	}
	return password, nil
}

// userBlock renders a TOML [[api.auth.users]] entry.
func userBlock(user, role, hash string) string {
	return fmt.Sprintf("[[api.auth.users]]\nusername = %q\npassword_hash = %q\nrole = %q\n", user, hash, role)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
