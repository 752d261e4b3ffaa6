package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pegledger/crypto"
)

// leading splits off positional arguments placed before the flags, so both
// "settle 3 -amount 10" and "settle -amount 10 3" work.
func leading(args []string) (positional, rest []string) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			return args[:i], args[i:]
		}
	}
	return args, nil
}

func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	positional, rest := leading(args)
	if err := fs.Parse(rest); err != nil {
		return nil, err
	}
	return append(append([]string{}, positional...), fs.Args()...), nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func requireArgs(stderr io.Writer, got []string, names ...string) bool {
	if len(got) != len(names) {
		if len(names) == 0 {
			fmt.Fprintln(stderr, "Error: unexpected positional arguments")
			return false
		}
		fmt.Fprintf(stderr, "Error: expected %s\n", strings.Join(names, " "))
		return false
	}
	return true
}

func loanIDArg(stderr io.Writer, raw string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		fmt.Fprintf(stderr, "Error: invalid loan id %q\n", raw)
		return 0, false
	}
	return id, true
}

func addressArg(stderr io.Writer, field, raw string) (string, bool) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s: %v\n", field, err)
		return "", false
	}
	return addr.String(), true
}

func amountArg(stderr io.Writer, field, raw string, cents bool) (string, bool) {
	parse := parseUnits
	if cents {
		parse = parseCents
	}
	value, err := parse(raw)
	if err != nil {
		fmt.Fprintf(stderr, "Error: -%s: %v\n", field, err)
		return "", false
	}
	return value, true
}

func runParams(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("params", stderr)
	client := clientFlags(fs)
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	return client.call(stdout, stderr, http.MethodGet, "/v1/params", nil)
}

func runMinCollateral(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("min-collateral", stderr)
	client := clientFlags(fs)
	amount := fs.String("amount", "", "loan amount in cents, or tokens with a decimal point")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	cents, ok := amountArg(stderr, "amount", *amount, true)
	if !ok {
		return 1
	}
	return client.call(stdout, stderr, http.MethodGet, "/v1/collateral/min?amount="+cents, nil)
}

func runLoans(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("loans", stderr)
	client := clientFlags(fs)
	after := fs.Uint64("after", 0, "list loans with id greater than this")
	limit := fs.Int("limit", 50, "maximum loans to return")
	recipient := fs.String("recipient", "", "only loans owned by this address")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	query := url.Values{}
	query.Set("after", strconv.FormatUint(*after, 10))
	query.Set("limit", strconv.Itoa(*limit))
	if strings.TrimSpace(*recipient) != "" {
		addr, ok := addressArg(stderr, "recipient", *recipient)
		if !ok {
			return 1
		}
		query.Set("recipient", addr)
	}
	return client.call(stdout, stderr, http.MethodGet, "/v1/loans?"+query.Encode(), nil)
}

func runLoan(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("loan", stderr)
	client := clientFlags(fs)
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest, "<id>") {
		return 1
	}
	id, ok := loanIDArg(stderr, rest[0])
	if !ok {
		return 1
	}
	return client.call(stdout, stderr, http.MethodGet, fmt.Sprintf("/v1/loans/%d", id), nil)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	client := clientFlags(fs)
	loanID := fs.Uint64("loan", 0, "only events of this loan")
	eventType := fs.String("type", "", "only events of this type")
	after := fs.Uint64("after", 0, "only events after this sequence")
	limit := fs.Int("limit", 100, "maximum events to return")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	query := url.Values{}
	query.Set("after", strconv.FormatUint(*after, 10))
	query.Set("limit", strconv.Itoa(*limit))
	if *loanID != 0 {
		return client.call(stdout, stderr, http.MethodGet, fmt.Sprintf("/v1/loans/%d/events?%s", *loanID, query.Encode()), nil)
	}
	if t := strings.TrimSpace(*eventType); t != "" {
		query.Set("type", t)
	}
	return client.call(stdout, stderr, http.MethodGet, "/v1/events?"+query.Encode(), nil)
}

func runAccount(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("account", stderr)
	client := clientFlags(fs)
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest, "<addr>") {
		return 1
	}
	addr, ok := addressArg(stderr, "address", rest[0])
	if !ok {
		return 1
	}
	return client.call(stdout, stderr, http.MethodGet, "/v1/accounts/"+addr, nil)
}

func runLiquidations(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("liquidations", stderr)
	client := clientFlags(fs)
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	return client.call(stdout, stderr, http.MethodGet, "/v1/liquidations", nil)
}

func runOpen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("open", stderr)
	client := clientFlags(fs)
	amount := fs.String("amount", "", "loan amount in cents, or tokens with a decimal point")
	collateral := fs.String("collateral", "", "collateral in atomic base-currency units")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	cents, ok := amountArg(stderr, "amount", *amount, true)
	if !ok {
		return 1
	}
	units, ok := amountArg(stderr, "collateral", *collateral, false)
	if !ok {
		return 1
	}
	return client.call(stdout, stderr, http.MethodPost, "/v1/loans", map[string]string{
		"amount":     cents,
		"collateral": units,
	})
}

func runQuick(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("quick", stderr)
	client := clientFlags(fs)
	collateral := fs.String("collateral", "", "collateral in atomic base-currency units")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	units, ok := amountArg(stderr, "collateral", *collateral, false)
	if !ok {
		return 1
	}
	return client.call(stdout, stderr, http.MethodPost, "/v1/loans/quick", map[string]string{"collateral": units})
}

func runLoanAmount(name, action string, cents bool) func([]string, io.Writer, io.Writer) int {
	return func(args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(name, stderr)
		client := clientFlags(fs)
		amount := fs.String("amount", "", "amount for the operation")
		rest, err := parseFlags(fs, args)
		if err != nil || !requireArgs(stderr, rest, "<id>") {
			return 1
		}
		id, ok := loanIDArg(stderr, rest[0])
		if !ok {
			return 1
		}
		value, ok := amountArg(stderr, "amount", *amount, cents)
		if !ok {
			return 1
		}
		return client.call(stdout, stderr, http.MethodPost, fmt.Sprintf("/v1/loans/%d/%s", id, action), map[string]string{"amount": value})
	}
}

func runLiquidate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("liquidate", stderr)
	client := clientFlags(fs)
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest, "<id>") {
		return 1
	}
	id, ok := loanIDArg(stderr, rest[0])
	if !ok {
		return 1
	}
	return client.call(stdout, stderr, http.MethodPost, fmt.Sprintf("/v1/loans/%d/liquidate", id), nil)
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	client := clientFlags(fs)
	sold := fs.String("sold", "", "collateral sold, in atomic units")
	buyer := fs.String("buyer", "", "address receiving the sold collateral")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest, "<id>") {
		return 1
	}
	id, ok := loanIDArg(stderr, rest[0])
	if !ok {
		return 1
	}
	units, ok := amountArg(stderr, "sold", *sold, false)
	if !ok {
		return 1
	}
	body := map[string]string{"collateralSold": units}
	if strings.TrimSpace(*buyer) != "" {
		addr, ok := addressArg(stderr, "buyer", *buyer)
		if !ok {
			return 1
		}
		body["buyer"] = addr
	}
	return client.call(stdout, stderr, http.MethodPost, fmt.Sprintf("/v1/liquidations/%d/resolve", id), body)
}

func runRegister(name, role string) func([]string, io.Writer, io.Writer) int {
	return func(args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(name, stderr)
		client := clientFlags(fs)
		rest, err := parseFlags(fs, args)
		if err != nil || !requireArgs(stderr, rest, "<addr>") {
			return 1
		}
		addr, ok := addressArg(stderr, "address", rest[0])
		if !ok {
			return 1
		}
		return client.call(stdout, stderr, http.MethodPost, "/v1/admin/"+role, map[string]string{"address": addr})
	}
}

func runSetVariable(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("set-variable", stderr)
	client := clientFlags(fs)
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest, "<variable>", "<value>") {
		return 1
	}
	value, ok := amountArg(stderr, "value", rest[1], false)
	if !ok {
		return 1
	}
	return client.call(stdout, stderr, http.MethodPost, "/v1/admin/variables", map[string]string{
		"variable": strings.TrimSpace(rest[0]),
		"value":    value,
	})
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("approve", stderr)
	client := clientFlags(fs)
	amount := fs.String("amount", "", "allowance in cents, or tokens with a decimal point")
	spender := fs.String("spender", "", "spender address (defaults to the loan ledger)")
	rest, err := parseFlags(fs, args)
	if err != nil || !requireArgs(stderr, rest) {
		return 1
	}
	cents, ok := amountArg(stderr, "amount", *amount, true)
	if !ok {
		return 1
	}
	body := map[string]string{"amount": cents}
	if strings.TrimSpace(*spender) != "" {
		addr, ok := addressArg(stderr, "spender", *spender)
		if !ok {
			return 1
		}
		body["spender"] = addr
	}
	return client.call(stdout, stderr, http.MethodPost, "/v1/token/approve", body)
}

func runTransfer(name, path string, cents bool) func([]string, io.Writer, io.Writer) int {
	return func(args []string, stdout, stderr io.Writer) int {
		fs := newFlagSet(name, stderr)
		client := clientFlags(fs)
		to := fs.String("to", "", "recipient address")
		amount := fs.String("amount", "", "amount to transfer")
		rest, err := parseFlags(fs, args)
		if err != nil || !requireArgs(stderr, rest) {
			return 1
		}
		addr, ok := addressArg(stderr, "to", *to)
		if !ok {
			return 1
		}
		value, ok := amountArg(stderr, "amount", *amount, cents)
		if !ok {
			return 1
		}
		return client.call(stdout, stderr, http.MethodPost, path, map[string]string{"to": addr, "amount": value})
	}
}
