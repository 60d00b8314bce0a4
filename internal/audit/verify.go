package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// Report holds the outcome of a hash chain verification.
type Report struct {
	Intact    bool   `json:"intact"`
	Entries   int    `json:"entries"`
	Fault     string `json:"fault,omitempty"`
	FaultLine int    `json:"fault_line,omitempty"`
}

// VerifyChain reads a JSONL decision log and validates the hash chain.
// Returns Intact=true if the chain holds, or details about the first
// broken link.
func VerifyChain(path string) Report {
	f, err := os.Open(path)
	if err != nil {
		return Report{Fault: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	var prevLineBytes []byte

	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()

		// Scanner reuses its buffer between lines.
		line := make([]byte, len(raw))
		copy(line, raw)

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return Report{
				Fault:     fmt.Sprintf("parse error: %v", err),
				FaultLine: lineNum,
			}
		}

		if lineNum == 1 {
			if entry.PrevHash != GenesisHash {
				return Report{
					Fault:     fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", entry.PrevHash),
					FaultLine: 1,
				}
			}
		} else {
			expectedHash := HashLine(prevLineBytes)
			if entry.PrevHash != expectedHash {
				return Report{
					Fault:     fmt.Sprintf("hash mismatch: expected %s, got %s", expectedHash, entry.PrevHash),
					FaultLine: lineNum,
				}
			}
		}

		prevLineBytes = line
	}

	if err := scanner.Err(); err != nil {
		return Report{Fault: fmt.Sprintf("scan: %v", err)}
	}

	return Report{Intact: true, Entries: lineNum}
}
