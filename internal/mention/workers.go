package mention

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openclaw/ctlplane-core/internal/gateway/protocol"
)

// KnownRoles is the fixed whitelist a spawned worker's role must appear
// in before it's addressed by name; anything else falls back to a
// generic "Worker-N" label.
var KnownRoles = map[string]bool{
	"researcher": true, "qa": true, "verifier": true, "planner": true,
	"coder": true, "designer": true, "tester": true, "reviewer": true,
	"writer": true, "analyst": true, "architect": true, "debugger": true,
	"documenter": true, "editor": true, "summarizer": true, "validator": true,
	"checker": true, "qa/verifier": true, "code reviewer": true,
}

// Worker is one extracted spawned sub-agent.
type Worker struct {
	Role            string
	ChildSessionKey string
	RunID           string
}

var childSessionKeyPattern = regexp.MustCompile(`^agent:([a-zA-Z0-9_/-]+):subagent:`)

type acceptedSpawn struct {
	ChildSessionKey string
	RunID           string
}

type acceptedToolOutput struct {
	Status          string `json:"status"`
	ChildSessionKey string `json:"childSessionKey"`
	RunID           string `json:"runId"`
}

// findAcceptedSpawns scans every message's content for the tool-output
// JSON shape {"status":"accepted","childSessionKey":...}, in the order
// messages appear in history.
func findAcceptedSpawns(messages []protocol.ChatMessage) []acceptedSpawn {
	var spawns []acceptedSpawn
	for _, m := range messages {
		var out acceptedToolOutput
		if err := json.Unmarshal([]byte(strings.TrimSpace(m.Content)), &out); err != nil {
			continue
		}
		if out.Status == "accepted" && out.ChildSessionKey != "" {
			spawns = append(spawns, acceptedSpawn{ChildSessionKey: out.ChildSessionKey, RunID: out.RunID})
		}
	}
	return spawns
}

// roleFromChildSessionKey extracts the role token from a
// "agent:<role>:subagent:<uuid>" session key.
func roleFromChildSessionKey(key string) string {
	m := childSessionKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(m[1], "_", " "))
}

func titleCase(role string) string {
	words := strings.Fields(role)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Strategy 1: "Launched <Name> session" / "Spawning <Name> sub-agent".
var strategy1Pattern = regexp.MustCompile(`(?i)(?:Launched|Spawn(?:ing)?)\s+([A-Z][\w-]*)\s+(?:session|sub-agent)`)

// Strategy 2: "<KnownRole> (<description>)".
var strategy2Pattern = regexp.MustCompile(`(?i)\b(researcher|qa|verifier|planner|coder|designer|tester|reviewer|writer|analyst|architect|debugger|documenter|editor|summarizer|validator|checker)\s*\(([^)]+)\)`)

// Strategy 3: "Delegating to a <role> sub-agent".
var strategy3Pattern = regexp.MustCompile(`(?i)Delegating to an? (\w+) sub-agent`)

// extractFromText applies strategies 1-3 in order against the model's
// response text, returning the first strategy's matches.
func extractFromText(responseText string) []Worker {
	if m := strategy1Pattern.FindAllStringSubmatch(responseText, -1); len(m) > 0 {
		workers := make([]Worker, 0, len(m))
		for _, match := range m {
			workers = append(workers, Worker{Role: titleCase(match[1])})
		}
		return workers
	}
	if m := strategy2Pattern.FindAllStringSubmatch(responseText, -1); len(m) > 0 {
		workers := make([]Worker, 0, len(m))
		for _, match := range m {
			workers = append(workers, Worker{Role: titleCase(match[1])})
		}
		return workers
	}
	if m := strategy3Pattern.FindAllStringSubmatch(responseText, -1); len(m) > 0 {
		workers := make([]Worker, 0, len(m))
		for _, match := range m {
			workers = append(workers, Worker{Role: titleCase(match[1])})
		}
		return workers
	}
	return nil
}

// ExtractWorkers implements the worker-extraction algorithm: strategy 0
// (childSessionKey-derived roles from new tool-output spawns) is
// authoritative when any new spawn is present; strategies 1-3 (text
// regexes) only apply when no spawn was observed at all; strategy 4
// (generic "Worker-N" naming) covers a spawn whose role isn't in the
// known-roles whitelist.
func ExtractWorkers(responseText string, history *protocol.ChatHistoryResult, baselineSpawnCount int) []Worker {
	var messages []protocol.ChatMessage
	if history != nil {
		messages = history.Messages
	}
	spawns := findAcceptedSpawns(messages)

	if len(spawns) <= baselineSpawnCount {
		return extractFromText(responseText)
	}

	newSpawns := spawns[baselineSpawnCount:]
	workers := make([]Worker, 0, len(newSpawns))
	for i, sp := range newSpawns {
		role := roleFromChildSessionKey(sp.ChildSessionKey)
		if !KnownRoles[role] {
			role = fmt.Sprintf("Worker-%d", i+1)
		} else {
			role = titleCase(role)
		}
		workers = append(workers, Worker{Role: role, ChildSessionKey: sp.ChildSessionKey, RunID: sp.RunID})
	}
	return workers
}
