package promise

// Kind names a family of promises. The pair (Kind, source id) identifies a
// single promise.
type Kind string

const (
	// CollectionURI resolves to the URI of the resource that owns a record.
	// Resources deliver it for themselves; the tree store delivers it for
	// every archival object beneath them.
	CollectionURI Kind = "collection_uri"

	// ArchivalObjectURI resolves to the URI of an archival object.
	ArchivalObjectURI Kind = "archival_object_uri"

	// LocationURI resolves to the URI of a location.
	LocationURI Kind = "location_uri"

	// AccessionURI resolves to the URI of an accession by legacy id.
	AccessionURI Kind = "accession_uri"

	// AccessionURIByAccNo resolves to the URI of an accession by accession number.
	AccessionURIByAccNo Kind = "accession_uri_by_acc_no"

	// RecordContextURI resolves to the URI of an agent in the record_context role.
	RecordContextURI Kind = "record_context_uri"

	// CreatorURI resolves to the URI of an agent in the creator role.
	CreatorURI Kind = "creator_uri"

	// ContactURI resolves to the URI of an agent in the contact role.
	ContactURI Kind = "contact_uri"
)

// RoleURI returns the identity promise kind for an agent role.
func RoleURI(role string) Kind {
	return Kind(role + "_uri")
}
