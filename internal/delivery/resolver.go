package delivery

// Location is the physical address of an object in the backing store.
type Location struct {
	Bucket string
	Key    string
}

// Resolver maps references to buckets. Public objects live in one bucket under
// their own key. Private objects live in another, namespaced by the owning
// record so unrelated records can share a file name.
type Resolver struct {
	publicBucket  string
	privateBucket string
}

// NewResolver returns a Resolver for the two tier buckets.
func NewResolver(publicBucket, privateBucket string) *Resolver {
	return &Resolver{publicBucket: publicBucket, privateBucket: privateBucket}
}

// Resolve returns where ref is stored.
func (r *Resolver) Resolve(ref ObjectReference) (Location, error) {
	if err := ref.validate(); err != nil {
		return Location{}, err
	}
	if ref.tier == TierPublic {
		return Location{Bucket: r.publicBucket, Key: ref.key}, nil
	}
	key := ref.key
	if ref.ownerHint != "" {
		key = ref.ownerHint + "/" + key
	}
	return Location{Bucket: r.privateBucket, Key: key}, nil
}
