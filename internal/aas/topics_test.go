package aas

import "testing"

func TestEncodeDecodeIDRoundTrip(t *testing.T) {
	ids := []string{
		"urn:example:aas:pump-001",
		"urn:example:submodel:motor",
		"simple",
		"with spaces and / slashes",
		"ünïcodé-идентификатор-識別子",
		"",
	}
	for _, id := range ids {
		enc := EncodeID(id)
		dec, err := DecodeID(enc)
		if err != nil {
			t.Errorf("DecodeID(EncodeID(%q)): %v", id, err)
			continue
		}
		if dec != id {
			t.Errorf("round trip %q -> %q -> %q", id, enc, dec)
		}
	}
}

func TestEncodeElementPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Telemetry/Temperature", "Telemetry/Temperature"},
		{"A B/C", "A%20B/C"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := EncodeElementPath(tt.in); got != tt.want {
			t.Errorf("EncodeElementPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTopic(t *testing.T) {
	smID := "urn:example:submodel:motor"
	shellID := "urn:example:aas:pump-001"

	tests := []struct {
		name    string
		topic   string
		want    TopicEvent
		wantErr bool
	}{
		{
			name:  "shell updated",
			topic: "aas-repository/repo1/shells/" + EncodeID(shellID) + "/updated",
			want:  TopicEvent{RepoKind: RepoKindShell, RepoID: "repo1", Action: ActionUpdated, EntityID: shellID},
		},
		{
			name:  "shell collection created",
			topic: "aas-repository/repo1/shells/created",
			want:  TopicEvent{RepoKind: RepoKindShell, RepoID: "repo1", Action: ActionCreated},
		},
		{
			name:  "submodel updated",
			topic: "submodel-repository/repo2/submodels/" + EncodeID(smID) + "/updated",
			want:  TopicEvent{RepoKind: RepoKindSubmodel, RepoID: "repo2", Action: ActionUpdated, EntityID: smID},
		},
		{
			name:  "element updated",
			topic: "submodel-repository/repo2/submodels/" + EncodeID(smID) + "/submodelElements/Telemetry/Temperature/updated",
			want: TopicEvent{
				RepoKind: RepoKindSubmodel, RepoID: "repo2", Action: ActionUpdated,
				EntityID: smID, ElementPath: "Telemetry/Temperature",
			},
		},
		{
			name:  "submodel deleted",
			topic: "submodel-repository/repo2/submodels/" + EncodeID(smID) + "/deleted",
			want:  TopicEvent{RepoKind: RepoKindSubmodel, RepoID: "repo2", Action: ActionDeleted, EntityID: smID},
		},
		{
			name:  "undecodable id kept verbatim",
			topic: "submodel-repository/repo2/submodels/not%b64!/updated",
			want:  TopicEvent{RepoKind: RepoKindSubmodel, RepoID: "repo2", Action: ActionUpdated, EntityID: "not%b64!"},
		},
		{name: "too short", topic: "aas-repository/repo1/updated", wantErr: true},
		{name: "unknown kind", topic: "other-repository/repo1/shells/created", wantErr: true},
		{name: "unknown action", topic: "aas-repository/repo1/shells/exploded", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTopic(tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTopic: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseTopic(%q) = %+v, want %+v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestSubscriptionPatterns(t *testing.T) {
	if got := ShellSubscription("r1"); got != "aas-repository/r1/shells/#" {
		t.Errorf("ShellSubscription = %q", got)
	}
	if got := SubmodelSubscription("r1"); got != "submodel-repository/r1/submodels/#" {
		t.Errorf("SubmodelSubscription = %q", got)
	}
}
