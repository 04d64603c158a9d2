// Klingnet staking daemon.
//
// Usage:
//
//	stakerd [--stake]        Run the staker
//	stakerd --new-wallet     Create the staking wallet and exit
//	stakerd --help           Show help
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-staker/config"
	"github.com/Klingon-tech/klingnet-staker/internal/node"
	"github.com/Klingon-tech/klingnet-staker/internal/wallet"
)

// passwordEnv lets unattended deployments unlock the wallet.
const passwordEnv = "STAKER_WALLET_PASSWORD"

func main() {
	cfg, flags, err := config.Load()
	if err != nil {
		fatal("%v", err)
	}

	if flags.NewWallet {
		createWallet(cfg.WalletFile())
		return
	}

	var accounts []wallet.Account
	if cfg.Staking.Enabled {
		accounts = unlockWallet(cfg.WalletFile())
	}

	n, err := node.New(cfg, accounts)
	if err != nil {
		fatal("%v", err)
	}
	if err := n.Start(); err != nil {
		n.Stop()
		fatal("%v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- n.Wait() }()

	select {
	case <-sigCh:
	case err := <-done:
		if err != nil {
			n.Stop()
			fatal("%v", err)
		}
	}
	if err := n.Stop(); err != nil {
		fatal("%v", err)
	}
}

func createWallet(path string) {
	if _, err := os.Stat(path); err == nil {
		fatal("wallet already exists at %s", path)
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}
	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}

	addr, err := wallet.Create(path, mnemonic, password, wallet.DefaultParams())
	if err != nil {
		fatal("create wallet: %v", err)
	}
	fmt.Printf("\nWallet created: %s\n", path)
	fmt.Printf("Staking address: %s\n", addr.String())
}

func unlockWallet(path string) []wallet.Account {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fatal("no wallet at %s (run with --new-wallet first)", path)
	}

	password := []byte(os.Getenv(passwordEnv))
	if len(password) == 0 {
		var err error
		if password, err = readPassword("Wallet password: "); err != nil {
			fatal("read password: %v", err)
		}
	}
	accounts, err := wallet.Unlock(path, password)
	for i := range password {
		password[i] = 0
	}
	if err != nil {
		fatal("unlock wallet: %v", err)
	}
	return accounts
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
