package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/teleconsys/dora-storage/key"
)

// Message kinds accepted on the governor and committee tags.
const (
	KindNewCommittee = "new-committee"
	KindRequest      = "request"
)

// GovernorInstruction orders idle nodes to form a committee.
type GovernorInstruction struct {
	Kind  string   `json:"kind"`
	Nodes []string `json:"nodes"`
	Nonce string   `json:"nonce"`
}

// Request asks a committee to ingest an input and sign it, optionally
// storing it first.
type Request struct {
	Kind      string `json:"kind"`
	InputURI  string `json:"input_uri"`
	StorageID string `json:"storage_id,omitempty"`
	Nonce     string `json:"nonce"`
}

// MinCommittee is the smallest committee a governor may form: this node and
// two peers, so that a majority threshold exists.
const MinCommittee = 3

// parseInstruction decodes and validates a governor payload for this node.
func parseInstruction(data []byte, selfDID string) (*GovernorInstruction, error) {
	instr := new(GovernorInstruction)
	if err := json.Unmarshal(data, instr); err != nil {
		return nil, err
	}
	if instr.Kind != KindNewCommittee {
		return nil, fmt.Errorf("core: unexpected governor kind %q", instr.Kind)
	}
	if len(instr.Nodes) < MinCommittee {
		return nil, fmt.Errorf("core: committee of %d is below the minimum of %d", len(instr.Nodes), MinCommittee)
	}
	includesSelf := false
	seen := make(map[string]struct{}, len(instr.Nodes))
	for _, did := range instr.Nodes {
		if !strings.HasPrefix(did, key.DIDPrefix) {
			return nil, fmt.Errorf("core: invalid DID %q in instruction", did)
		}
		if _, dup := seen[did]; dup {
			return nil, fmt.Errorf("core: duplicate DID %q in instruction", did)
		}
		seen[did] = struct{}{}
		if did == selfDID {
			includesSelf = true
		}
	}
	if !includesSelf {
		return nil, errors.New("core: instruction does not include this node")
	}
	return instr, nil
}

// parseRequest decodes and validates a committee request payload.
func parseRequest(data []byte) (*Request, error) {
	req := new(Request)
	if err := json.Unmarshal(data, req); err != nil {
		return nil, err
	}
	if req.Kind != KindRequest {
		return nil, fmt.Errorf("core: unexpected request kind %q", req.Kind)
	}
	if req.InputURI == "" {
		return nil, errors.New("core: request with empty input uri")
	}
	return req, nil
}
