package aas

import (
	"fmt"
	"strings"
)

// Repository kinds appearing as the first topic segment.
const (
	RepoKindShell    = "aas-repository"
	RepoKindSubmodel = "submodel-repository"
)

// Event verbs appearing as the final topic segment.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// TopicEvent is the parsed form of a repository event topic:
//
//	aas-repository/<repoId>/shells[/<idB64u>]/<action>
//	submodel-repository/<repoId>/submodels/<idB64u>[/submodelElements/<path>]/<action>
//
// EntityID is empty for collection-level events. ElementPath is the
// /-joined idShort path for element-scoped submodel events.
type TopicEvent struct {
	RepoKind    string
	RepoID      string
	Action      string
	EntityID    string
	ElementPath string
}

// ParseTopic decodes a repository event topic. Entity ids that fail
// Base64URL decoding are kept verbatim so non-conforming publishers do not
// break dispatch.
func ParseTopic(topic string) (TopicEvent, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 4 {
		return TopicEvent{}, fmt.Errorf("topic %q: too few segments", topic)
	}

	ev := TopicEvent{
		RepoKind: parts[0],
		RepoID:   parts[1],
		Action:   parts[len(parts)-1],
	}
	if ev.RepoKind != RepoKindShell && ev.RepoKind != RepoKindSubmodel {
		return TopicEvent{}, fmt.Errorf("topic %q: unknown repository kind %q", topic, ev.RepoKind)
	}
	switch ev.Action {
	case ActionCreated, ActionUpdated, ActionDeleted:
	default:
		return TopicEvent{}, fmt.Errorf("topic %q: unknown action %q", topic, ev.Action)
	}

	// Collection-level event: <kind>/<repo>/<collection>/<action>
	if len(parts) == 4 {
		return ev, nil
	}

	if id, err := DecodeID(parts[3]); err == nil {
		ev.EntityID = id
	} else {
		ev.EntityID = parts[3]
	}

	if len(parts) > 5 && parts[4] == "submodelElements" {
		ev.ElementPath = strings.Join(parts[5:len(parts)-1], "/")
	}
	return ev, nil
}

// ShellSubscription returns the wildcard subscription covering every shell
// event of an AAS repository.
func ShellSubscription(repoID string) string {
	return RepoKindShell + "/" + repoID + "/shells/#"
}

// SubmodelSubscription returns the wildcard subscription covering every
// submodel event of a submodel repository.
func SubmodelSubscription(repoID string) string {
	return RepoKindSubmodel + "/" + repoID + "/submodels/#"
}
