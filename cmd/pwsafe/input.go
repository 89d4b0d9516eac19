package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptSecret reads a value without echo when stdin is a terminal and as a
// plain line otherwise, so passwords can be piped in.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// secretArg returns flag's value or prompts for it.
func secretArg(value, prompt string) (string, error) {
	if value != "" {
		return value, nil
	}
	return promptSecret(prompt)
}

// parseFields turns key=value arguments into a map.
func parseFields(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair: %s", kv)
		}
		out[k] = v
	}
	return out, nil
}
