package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/codefionn/flowsync/internal/config"
	"github.com/codefionn/flowsync/internal/secrets"
)

const maxPasswordAttempts = 3

// promptPassword is replaced in tests.
var promptPassword = func(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// unlockSecrets opens sealed config values with the password from the
// environment, falling back to an interactive prompt.
func unlockSecrets(cfg *config.Config) error {
	if !secrets.IsSealed(cfg.Analyzer.APIKey) {
		return nil
	}
	if password := os.Getenv(secrets.PasswordEnv); password != "" {
		return cfg.OpenSecrets(password)
	}

	for attempt := 0; attempt < maxPasswordAttempts; attempt++ {
		password, err := promptPassword("Secrets password: ")
		if err != nil {
			return err
		}
		err = cfg.OpenSecrets(password)
		if err == nil {
			return nil
		}
		if errors.Is(err, secrets.ErrInvalidPassword) {
			fmt.Fprintln(os.Stderr, "Invalid password, try again.")
			continue
		}
		return err
	}
	return errors.New("too many invalid password attempts")
}

// sealPassword returns the password used to seal new values. A prompted
// password must be entered twice.
func sealPassword() (string, error) {
	if password := os.Getenv(secrets.PasswordEnv); password != "" {
		return password, nil
	}
	password, err := promptPassword("Secrets password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", secrets.ErrNoPassword
	}
	confirm, err := promptPassword("Repeat password: ")
	if err != nil {
		return "", err
	}
	if confirm != password {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}
