package config

import (
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.l.google.com:19302"},
		{"urls": ["turn:turn.example.com:3478?transport=udp", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("servers[0].URLs=%v", servers[0].URLs)
	}
	if servers[1].Username != "u" {
		t.Fatalf("servers[1].Username=%q, want u", servers[1].Username)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "c" {
		t.Fatalf("servers[1].Credential=%v, want c", servers[1].Credential)
	}
}

func TestParseICEServersJSON_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"missing urls", `[{"username":"u"}]`},
		{"bad scheme", `[{"urls":"http://example.com"}]`},
		{"turn without credentials", `[{"urls":"turn:turn.example.com:3478"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseICEServersJSON(tc.raw, false); err == nil {
				t.Fatalf("ParseICEServersJSON(%s) succeeded, want error", tc.raw)
			}
		})
	}
}

func TestParseICEServersJSON_TURNRESTAllowsCredentialless(t *testing.T) {
	raw := `[{"urls":"turn:turn.example.com:3478"}]`
	servers, err := ParseICEServersJSON(raw, true)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers=%d, want 1", len(servers))
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := parseICEServersFromConvenienceEnv(
		"stun:stun1.example.com, stun:stun2.example.com",
		"turn:turn.example.com:3478",
		"user",
		"pass",
		false,
	)
	if err != nil {
		t.Fatalf("parseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%d, want 2 (stun group + turn group)", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun URLs=%v, want 2 entries", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Fatalf("turn username=%q, want user", servers[1].Username)
	}
}

func TestParseICEServersFromConvenienceEnv_TURNRequiresCredentials(t *testing.T) {
	if _, err := parseICEServersFromConvenienceEnv("", "turn:turn.example.com:3478", "", "", false); err == nil {
		t.Fatalf("missing TURN credentials accepted, want error")
	}
	// TURN REST supplies ephemeral credentials, so static ones are optional.
	servers, err := parseICEServersFromConvenienceEnv("", "turn:turn.example.com:3478", "", "", true)
	if err != nil {
		t.Fatalf("parseICEServersFromConvenienceEnv with TURN REST: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers=%d, want 1", len(servers))
	}
}
