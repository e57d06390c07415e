// Command wwctl is a terminal harness for the walletwire client. The
// connect subcommand plays the dApp role: it prints a pairing URI and
// waits for a wallet to settle the session. The pair subcommand plays
// the wallet role: it pairs with a URI and approves the first proposal
// with the accounts it was given.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"walletwire"
	"walletwire/internal/config"
	"walletwire/internal/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "connect":
		err = runConnect(os.Args[2:])
	case "pair":
		err = runPair(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "wwctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  wwctl connect -config <path> [-chains eip155:1,...] [-timeout 5m]
  wwctl pair    -config <path> -uri <wc:...> -accounts eip155:1:0x... [-timeout 5m]`)
}

func newClient(configPath string) (*walletwire.Client, error) {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return nil, err
	}
	client, err := walletwire.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Init(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

func runConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	configPath := fs.String("config", "client.toml", "client config path")
	chains := fs.String("chains", "eip155:1", "comma-separated chain ids to request")
	timeout := fs.Duration("timeout", 5*time.Minute, "how long to wait for approval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*configPath)
	if err != nil {
		return err
	}
	defer client.Dispose()

	required := engine.ProposedNamespaces{}
	for _, chain := range strings.Split(*chains, ",") {
		chain = strings.TrimSpace(chain)
		ns, _, ok := strings.Cut(chain, ":")
		if !ok {
			return fmt.Errorf("chain %q is not namespace:reference", chain)
		}
		entry := required[ns]
		entry.Chains = append(entry.Chains, chain)
		entry.Methods = []string{"personal_sign", "eth_sendTransaction"}
		entry.Events = []string{"chainChanged", "accountsChanged"}
		required[ns] = entry
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := client.Sign.Connect(ctx, engine.ConnectOptions{RequiredNamespaces: required})
	if err != nil {
		return err
	}
	fmt.Println("pairing URI:")
	fmt.Println(" ", result.URI)
	fmt.Println("waiting for wallet approval...")

	session, err := result.Approval(ctx)
	if err != nil {
		return err
	}
	fmt.Println("session settled on topic", session.Topic)
	for ns, grant := range session.Namespaces {
		fmt.Printf("  %s accounts: %s\n", ns, strings.Join(grant.Accounts, ", "))
	}
	return nil
}

func runPair(args []string) error {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	configPath := fs.String("config", "client.toml", "client config path")
	uri := fs.String("uri", "", "pairing URI from the dApp")
	accounts := fs.String("accounts", "", "comma-separated CAIP-10 accounts to expose")
	timeout := fs.Duration("timeout", 5*time.Minute, "how long to wait for a proposal")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *uri == "" || *accounts == "" {
		return fmt.Errorf("pair requires -uri and -accounts")
	}

	client, err := newClient(*configPath)
	if err != nil {
		return err
	}
	defer client.Dispose()

	granted := make(chan error, 1)
	sub := client.Sign.SessionProposed.Subscribe(func(ev engine.ProposalEvent) {
		fmt.Printf("proposal %d from %q (%s)\n", ev.Proposal.ID, ev.Proposal.Proposer.Metadata.Name, ev.Verified.Validation)
		namespaces, err := grantFromProposal(ev.Proposal.RequiredNamespaces, strings.Split(*accounts, ","))
		if err != nil {
			granted <- err
			return
		}
		_, err = client.Sign.Approve(context.Background(), ev.Proposal.ID, namespaces)
		granted <- err
	})
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	pairing, err := client.Sign.Pair(ctx, *uri)
	if err != nil {
		return err
	}
	fmt.Println("paired on topic", pairing.Topic)

	select {
	case err := <-granted:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	fmt.Println("session approved")
	return nil
}

// grantFromProposal builds a grant that covers every required chain with
// the accounts the operator supplied for it.
func grantFromProposal(required engine.ProposedNamespaces, accounts []string) (engine.Namespaces, error) {
	granted := engine.Namespaces{}
	for key, ns := range required {
		grant := engine.Namespace{Methods: ns.Methods, Events: ns.Events}
		for _, chain := range ns.Chains {
			matched := false
			for _, account := range accounts {
				account = strings.TrimSpace(account)
				if strings.HasPrefix(account, chain+":") {
					grant.Accounts = append(grant.Accounts, account)
					matched = true
				}
			}
			if !matched {
				return nil, fmt.Errorf("no account supplied for required chain %s", chain)
			}
		}
		granted[key] = grant
	}
	return granted, nil
}
