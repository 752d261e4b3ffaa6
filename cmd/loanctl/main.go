package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	defaultEndpoint  = "http://localhost:8080"
	endpointEnv      = "PEGLEDGER_URL"
	tokenEnv         = "PEGLEDGER_TOKEN"
	signingSecretEnv = "PEGLEDGER_JWT_SECRET"
	keystorePassEnv  = "PEGLEDGER_KEYSTORE_PASS"
)

type command struct {
	name  string
	usage string
	run   func(args []string, stdout, stderr io.Writer) int
}

var commands []command

func init() {
	commands = []command{
		{"keygen", "keygen [-out key.hex | -out key.json -encrypt [-light-kdf]]", runKeygen},
		{"address", "address -key <key.hex|key.json>", runAddress},
		{"issue-token", "issue-token -sub <addr> [-scope admin] [-ttl 1h]", runIssueToken},
		{"genesis", "genesis -deployer <addr> [-alloc addr=amount]... [-out genesis.toml]", runGenesis},
		{"params", "params", runParams},
		{"min-collateral", "min-collateral -amount <cents|tokens>", runMinCollateral},
		{"loans", "loans [-after N] [-limit N] [-recipient addr]", runLoans},
		{"loan", "loan <id>", runLoan},
		{"events", "events [-loan id] [-type t] [-after seq]", runEvents},
		{"account", "account <addr>", runAccount},
		{"liquidations", "liquidations", runLiquidations},
		{"open", "open -amount <cents|tokens> -collateral <units>", runOpen},
		{"quick", "quick -collateral <units>", runQuick},
		{"increase", "increase <id> -amount <units>", runLoanAmount("increase", "collateral/increase", false)},
		{"decrease", "decrease <id> -amount <units>", runLoanAmount("decrease", "collateral/decrease", false)},
		{"settle", "settle <id> -amount <cents|tokens>", runLoanAmount("settle", "settle", true)},
		{"liquidate", "liquidate <id>", runLiquidate},
		{"resolve", "resolve <id> -sold <units> [-buyer addr]", runResolve},
		{"set-oracle", "set-oracle <addr>", runRegister("set-oracle", "oracle")},
		{"set-liquidator", "set-liquidator <addr>", runRegister("set-liquidator", "liquidator")},
		{"set-token", "set-token <addr>", runRegister("set-token", "token")},
		{"set-variable", "set-variable <etherPrice|collateralRatio|liquidationDuration> <value>", runSetVariable},
		{"approve", "approve -amount <cents|tokens> [-spender addr]", runApprove},
		{"transfer-token", "transfer-token -to <addr> -amount <cents|tokens>", runTransfer("transfer-token", "/v1/token/transfer", true)},
		{"transfer-base", "transfer-base -to <addr> -amount <units>", runTransfer("transfer-base", "/v1/bank/transfer", false)},
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 1
	}
	name := strings.TrimSpace(args[0])
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(args[1:], stdout, stderr)
		}
	}
	if name == "help" || name == "-h" || name == "--help" {
		usage(stdout)
		return 0
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", name)
	usage(stderr)
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: loanctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ledger commands accept -endpoint (default $"+endpointEnv+") and -token (default $"+tokenEnv+").")
	fmt.Fprintln(w)
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %s\n", cmd.usage)
	}
}
