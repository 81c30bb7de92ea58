package toolexecutor

import "fmt"

// ToolPolicy restricts which tools may run. Deny wins over allow; "*"
// matches every tool.
type ToolPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// IsToolAllowed reports whether the policy admits toolName. A nil policy admits all.
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// Validate rejects policies that can never admit a tool.
func (tp *ToolPolicy) Validate() error {
	if tp == nil {
		return nil
	}
	for _, denied := range tp.Deny {
		if denied == "*" {
			return fmt.Errorf("policy denies every tool")
		}
		if denied == "" {
			return fmt.Errorf("policy deny entry cannot be empty")
		}
	}
	for _, allowed := range tp.Allow {
		if allowed == "" {
			return fmt.Errorf("policy allow entry cannot be empty")
		}
	}
	return nil
}
