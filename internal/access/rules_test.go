package access

import "testing"

func TestEvaluateSpecificityAndPriority(t *testing.T) {
	eval := NewEvaluator(Config{
		DefaultEffect: Deny,
		Rules: []Rule{
			{Scope: "*", Effect: Allow, Priority: 0},
			{Scope: "chat:42", Effect: Deny, Priority: 10},
		},
	})

	if got := eval.Evaluate("chat:42"); got != Deny {
		t.Errorf("evaluate(chat:42) = %v, want deny", got)
	}
	if got := eval.Evaluate("chat:7"); got != Allow {
		t.Errorf("evaluate(chat:7) = %v, want allow", got)
	}
}

func TestEvaluateDefaultPolarity(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Effect
	}{
		{"default deny with no rules", Config{DefaultEffect: Deny}, Deny},
		{"default allow with no rules", Config{DefaultEffect: Allow}, Allow},
		{"unset default falls back to allow", Config{}, Allow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewEvaluator(tt.cfg).Evaluate("chat:1"); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateKindWildcard(t *testing.T) {
	eval := NewEvaluator(Config{
		DefaultEffect: Allow,
		Rules: []Rule{
			{Scope: "user:*", Effect: Deny, Priority: 0},
			{Scope: "user:admin", Effect: Allow, Priority: 0},
		},
	})

	if got := eval.Evaluate("user:admin"); got != Allow {
		t.Errorf("exact rule should beat wildcard, got %v", got)
	}
	if got := eval.Evaluate("user:guest"); got != Deny {
		t.Errorf("wildcard should catch other users, got %v", got)
	}
	if got := eval.Evaluate("chat:9"); got != Allow {
		t.Errorf("unrelated kind should use default, got %v", got)
	}
}

func TestEvaluatePriorityBreaksTies(t *testing.T) {
	eval := NewEvaluator(Config{
		DefaultEffect: Allow,
		Rules: []Rule{
			{Scope: "chat:5", Effect: Allow, Priority: 1},
			{Scope: "chat:5", Effect: Deny, Priority: 9},
		},
	})

	if got := eval.Evaluate("chat:5"); got != Deny {
		t.Errorf("higher priority rule should win, got %v", got)
	}
}

func TestEvaluateNormalizesScope(t *testing.T) {
	eval := NewEvaluator(Config{
		DefaultEffect: Allow,
		Rules:         []Rule{{Scope: "Chat:42", Effect: Deny}},
	})

	if got := eval.Evaluate("  CHAT:42 "); got != Deny {
		t.Errorf("case/space-insensitive match failed, got %v", got)
	}
}

func TestEvaluateAll(t *testing.T) {
	eval := NewEvaluator(Config{
		DefaultEffect: Allow,
		Rules:         []Rule{{Scope: "user:banned", Effect: Deny, Priority: 10}},
	})

	if got := eval.EvaluateAll("chat:1", "user:banned", "bot:main"); got != Deny {
		t.Errorf("any deny should deny the set, got %v", got)
	}
	if got := eval.EvaluateAll("chat:1", "user:ok"); got != Allow {
		t.Errorf("all-allow set should allow, got %v", got)
	}
}
