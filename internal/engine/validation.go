package engine

import (
	"slices"

	"walletwire/internal/rpc"
)

// validateProposedNamespaces checks the structural rules on a proposal:
// every chain id is well formed and belongs to its namespace key.
func validateProposedNamespaces(namespaces ProposedNamespaces) *rpc.Error {
	for key, ns := range namespaces {
		for _, chain := range ns.Chains {
			prefix, err := chainNamespace(chain)
			if err != nil {
				return rpc.NewError(rpc.CodeUnsupportedChains, "%v", err)
			}
			if prefix != key {
				return rpc.NewError(rpc.CodeUnsupportedNamespaceKey,
					"chain %s does not belong to namespace %s", chain, key)
			}
		}
	}
	return nil
}

// validateConformingNamespaces checks that the granted namespaces cover
// everything the proposal required: every required key present, every
// required chain backed by at least one account, every required method
// and event granted.
func validateConformingNamespaces(required ProposedNamespaces, granted Namespaces) *rpc.Error {
	for key, req := range required {
		grant, ok := granted[key]
		if !ok {
			return rpc.NewError(rpc.CodeUnsupportedNamespaceKey, "namespace %s not granted", key)
		}

		chains := make(map[string]bool)
		for _, account := range grant.Accounts {
			chain, err := accountChain(account)
			if err != nil {
				return rpc.NewError(rpc.CodeUnsupportedAccounts, "%v", err)
			}
			chains[chain] = true
		}
		for _, chain := range req.Chains {
			if !chains[chain] {
				return rpc.NewError(rpc.CodeUnsupportedChains, "no account for chain %s", chain)
			}
		}
		for _, method := range req.Methods {
			if !slices.Contains(grant.Methods, method) {
				return rpc.NewError(rpc.CodeUnsupportedMethods, "method %s not granted", method)
			}
		}
		for _, event := range req.Events {
			if !slices.Contains(grant.Events, event) {
				return rpc.NewError(rpc.CodeUnsupportedEvents, "event %s not granted", event)
			}
		}
	}
	return nil
}

// methodAuthorized reports whether a chain method may be called on the
// session for chainID.
func methodAuthorized(session Session, chainID, method string) bool {
	ns, err := chainNamespace(chainID)
	if err != nil {
		return false
	}
	grant, ok := session.Namespaces[ns]
	if !ok {
		return false
	}
	if !chainGranted(grant, chainID) {
		return false
	}
	return slices.Contains(grant.Methods, method)
}

// eventAuthorized reports whether a named event may be emitted on the
// session for chainID.
func eventAuthorized(session Session, chainID, event string) bool {
	ns, err := chainNamespace(chainID)
	if err != nil {
		return false
	}
	grant, ok := session.Namespaces[ns]
	if !ok {
		return false
	}
	if !chainGranted(grant, chainID) {
		return false
	}
	return slices.Contains(grant.Events, event)
}

func chainGranted(grant Namespace, chainID string) bool {
	if slices.Contains(grant.Chains, chainID) {
		return true
	}
	for _, account := range grant.Accounts {
		if chain, err := accountChain(account); err == nil && chain == chainID {
			return true
		}
	}
	return false
}

// sessionsMatching returns the sessions whose granted namespaces satisfy
// the given requirements.
func sessionsMatching(sessions []Session, required ProposedNamespaces) []Session {
	var out []Session
	for _, s := range sessions {
		if validateConformingNamespaces(required, s.Namespaces) == nil {
			out = append(out, s)
		}
	}
	return out
}
