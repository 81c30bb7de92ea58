package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/kestrel/pkg/toolexecutor"
)

// ToolRegistrar is the subset of the tool registry memory tools need.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// RegisterTools registers memory_set, memory_get, memory_search and memory_delete.
func RegisterTools(registry ToolRegistrar, store *Store) error {
	for _, def := range Tools(store) {
		if err := registry.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

// Tools returns the memory tool definitions bound to store.
func Tools(store *Store) []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "memory_set",
			Description: "Remember a fact under a key. Use category \"core\" for facts that should always be in context.",
			Tier:        toolexecutor.TierAutonomous,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "key", Type: "string", Description: "Short unique key, e.g. user.timezone", Required: true},
				{Name: "value", Type: "string", Description: "Fact to remember", Required: true},
				{Name: "category", Type: "string", Description: "Category tag (core, daily, conversation, general)"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				entry := Entry{
					Key:      stringParam(params, "key"),
					Value:    stringParam(params, "value"),
					Category: stringParam(params, "category"),
				}
				if err := store.Set(ctx, entry); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Remembered %s.", entry.Key), nil
			},
		},
		{
			Name:        "memory_get",
			Description: "Recall a remembered fact by key",
			Tier:        toolexecutor.TierRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "key", Type: "string", Description: "Key to look up", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				key := stringParam(params, "key")
				entry, err := store.Get(ctx, key)
				if errors.Is(err, ErrNotFound) {
					return fmt.Sprintf("Nothing remembered under %s.", key), nil
				}
				if err != nil {
					return nil, err
				}
				return entry, nil
			},
		},
		{
			Name:        "memory_search",
			Description: "Search remembered facts by keywords",
			Tier:        toolexecutor.TierRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "Search keywords", Required: true},
				{Name: "category", Type: "string", Description: "Only search this category"},
				{Name: "limit", Type: "integer", Description: "Maximum number of results", Default: DefaultSearchLimit},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				opts := SearchOptions{
					Category: stringParam(params, "category"),
					Limit:    intParam(params, "limit"),
				}
				results, err := store.Search(ctx, stringParam(params, "query"), opts)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"results": results,
					"count":   len(results),
				}, nil
			},
		},
		{
			Name:        "memory_delete",
			Description: "Forget a remembered fact",
			Tier:        toolexecutor.TierSupervised,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "key", Type: "string", Description: "Key to forget", Required: true},
			},
			Describe: func(params map[string]interface{}) string {
				return fmt.Sprintf("Forget memory %q", stringParam(params, "key"))
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				key := stringParam(params, "key")
				if err := store.Delete(ctx, key); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Forgot %s.", key), nil
			},
		},
	}
}

func stringParam(params map[string]interface{}, name string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]interface{}, name string) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
