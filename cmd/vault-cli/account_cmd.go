package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const operatorTokenEnv = "VAULT_OPERATOR_TOKEN"

func runAccountCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, accountUsage())
		return 1
	}
	switch args[0] {
	case "balance":
		return runAccountBalance(args[1:], stdout, stderr)
	case "credit":
		return runAccountCredit(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown account subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, accountUsage())
		return 1
	}
}

func accountUsage() string {
	return strings.Join([]string{
		"Usage: vault-cli account <subcommand> [flags]",
		"  balance  --address ADDR",
		"  credit   --address ADDR --amount WEI [--token JWT]   (token defaults to $" + operatorTokenEnv + ")",
	}, "\n")
}

func runAccountBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("account balance", stderr, accountUsage)
	var address string
	fs.StringVar(&address, "address", "", "0x account address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return printError(stderr, "--address must be a 0x address")
	}
	result, _, err := callAPI(http.MethodGet, ledgerURL+"/accounts/"+strings.TrimSpace(address), nil, nil, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runAccountCredit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("account credit", stderr, accountUsage)
	var address, amount, token string
	fs.StringVar(&address, "address", "", "0x account address")
	fs.StringVar(&amount, "amount", "", "amount in wei")
	fs.StringVar(&token, "token", "", "operator bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return printError(stderr, "--address must be a 0x address")
	}
	value, err := parseWei("--amount", amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if token == "" {
		token = strings.TrimSpace(os.Getenv(operatorTokenEnv))
	}
	if token == "" {
		return printError(stderr, "--token or $"+operatorTokenEnv+" is required")
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	endpoint := ledgerURL + "/accounts/" + strings.TrimSpace(address) + "/credit"
	result, _, err := callAPI(http.MethodPost, endpoint, map[string]string{"amount": value.String()}, nil, headers)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}
