package migration

import (
	"fmt"
	"strings"

	"github.com/roach88/cidermigrate/internal/promise"
)

// Category names one record category. Each category is backed by its own
// keyed store.
type Category string

// Fixed categories.
const (
	Location       Category = "location"
	Resource       Category = "resource"
	Accession      Category = "accession"
	ArchivalObject Category = "archival_object"
	Event          Category = "event"
)

// DefaultRole is the agent role every store carries.
const DefaultRole = "record_context"

// Agent categories are split by role.
func AgentPerson(role string) Category {
	return Category("agent_person_" + role)
}

func AgentCorporateEntity(role string) Category {
	return Category("agent_corporate_entity_" + role)
}

func AgentFamily(role string) Category {
	return Category("agent_family_" + role)
}

// agentKind is the role-independent part of an agent category.
type agentKind struct {
	modelType string
	uriPath   string
	category  func(role string) Category
}

var (
	agentPerson          = agentKind{modelType: "agent_person", uriPath: "agents/people", category: AgentPerson}
	agentCorporateEntity = agentKind{modelType: "agent_corporate_entity", uriPath: "agents/corporate_entities", category: AgentCorporateEntity}
	agentFamily          = agentKind{modelType: "agent_family", uriPath: "agents/families", category: AgentFamily}
)

// categoryInfo describes how records of a category are stored and named.
type categoryInfo struct {
	dir        string
	modelType  string       // jsonmodel_type stamped at emission
	uriPath    string       // path segment before the minted token
	repoScoped bool         // URI lives under /repositories/<repo>
	identity   promise.Kind // promise delivered with the record's URI; "" for none
}

var fixedCategories = []struct {
	cat  Category
	info categoryInfo
}{
	{Location, categoryInfo{dir: "locations", modelType: "location", uriPath: "locations", identity: promise.LocationURI}},
	{Resource, categoryInfo{dir: "resources", modelType: "resource", uriPath: "resources", repoScoped: true, identity: promise.CollectionURI}},
	{Accession, categoryInfo{dir: "accessions", modelType: "accession", uriPath: "accessions", repoScoped: true, identity: promise.AccessionURI}},
	{ArchivalObject, categoryInfo{dir: "archival_objects", modelType: "archival_object", uriPath: "archival_objects", repoScoped: true, identity: promise.ArchivalObjectURI}},
	{Event, categoryInfo{dir: "events", modelType: "event", uriPath: "events", repoScoped: true}},
}

// buildCategories returns the categories in emission order with their
// descriptions. Agent categories follow the fixed ones, one per kind and role.
func buildCategories(roles []string) ([]Category, map[Category]categoryInfo, error) {
	order := make([]Category, 0, len(fixedCategories)+3*len(roles))
	infos := make(map[Category]categoryInfo, cap(order))

	for _, fc := range fixedCategories {
		order = append(order, fc.cat)
		infos[fc.cat] = fc.info
	}

	for _, kind := range []agentKind{agentPerson, agentCorporateEntity, agentFamily} {
		for _, role := range roles {
			if role == "" || strings.ContainsAny(role, "/\\") {
				return nil, nil, fmt.Errorf("invalid agent role %q", role)
			}
			cat := kind.category(role)
			if _, dup := infos[cat]; dup {
				continue
			}
			order = append(order, cat)
			infos[cat] = categoryInfo{
				dir:       string(cat),
				modelType: kind.modelType,
				uriPath:   kind.uriPath,
				identity:  promise.RoleURI(role),
			}
		}
	}
	return order, infos, nil
}
