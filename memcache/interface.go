package memcache

// An item to be gotten from or stored in a memcache server.
type Item struct {
	// The item's key (the key can be up to 250 bytes maximum).
	Key string

	// The item's value.
	Value []byte

	// Flags are server-opaque flags whose semantics are entirely up to the
	// app.  They ride along in the extras of Set-family commands.
	Flags uint32

	// aka CAS (check and set) in memcache documentation.  When nonzero,
	// stores only succeed if the server-side entry carries the same id.
	DataVersionId uint64

	// Expiration is the cache expiration time, in seconds: either a relative
	// time from now (up to 1 month), or an absolute Unix epoch time.
	// Zero means the Item has no expiration time.
	Expiration uint32
}

// A generic response to a memcache request.
type Response interface {
	// This returns the status returned by the memcache server.  When Error()
	// is non-nil, this value may not be valid.
	Status() ResponseStatus

	// This returns nil when no error is encountered by the client, and the
	// response status returned by the memcache server is StatusNoError.
	// Otherwise, this returns an error.
	//
	// NOTE: for get requests, this also returns nil when the response status
	// is StatusKeyNotFound.
	Error() error
}

// Response returned by Get/GetKey/GetAndTouch requests.
type GetResponse interface {
	Response

	// This returns the key for the requested value.
	Key() string

	// This returns the retrieved entry.  The value may be nil.
	Value() []byte

	// This returns the entry's flags value.  The value is only valid when
	// the entry is found.
	Flags() uint32

	// This returns the data version id (aka CAS) for the item.  The value is
	// only valid when the entry is found.
	DataVersionId() uint64
}

// Response returned by Set/Add/Replace/Delete/Append/Prepend/Touch requests.
type MutateResponse interface {
	Response

	// This returns the input key (useful for SetMulti where operations may
	// be applied out of order).
	Key() string

	// This returns the data version id (aka CAS) for the item.  For delete
	// requests, this always returns zero.
	DataVersionId() uint64
}

// Response returned by Increment/Decrement requests.
type CountResponse interface {
	Response

	// This returns the input key.
	Key() string

	// This returns the resulting count value.  On error status, this
	// returns zero.
	Count() uint64
}

// Response returned by Version request.
type VersionResponse interface {
	Response

	// This returns the memcache version entries.  The mapping is stored as:
	//      server address -> version string
	Versions() map[string]string
}

// Response returned by Stat request.
type StatResponse interface {
	Response

	// This returns the retrieved stat entries.  On error status, this
	// returns nil.  The mapping is stored as:
	//      server address -> stats key -> stats value
	Entries() map[string](map[string]string)
}

// The ValueCodec maps application values to the wire representation stored
// in memcache.  Implementations live outside this package; flags are
// persisted verbatim through the extras of Set-family commands.
type ValueCodec interface {
	// This encodes the value into opaque flags and payload bytes.
	Encode(value interface{}) (flags uint32, data []byte, err error)

	// This decodes a payload previously produced by Encode.
	Decode(flags uint32, data []byte) (interface{}, error)
}

// A Client sends requests to a fleet of memcache servers, routing each key
// to its owner via consistent hashing.  All methods are safe for concurrent
// use.  Operations do not return transport level errors directly: a failed
// operation yields its "nothing happened" response (error status with the
// cause attached) and the details are logged.
type Client interface {
	// This retrieves a single entry from memcache.
	Get(key string) GetResponse

	// Same as Get, but the response echoes the key from the server (GetK).
	GetKey(key string) GetResponse

	// Batch version of the Get method.  Keys that fail or miss are absent
	// from the result map.
	GetMulti(keys []string) map[string]GetResponse

	// This retrieves an entry and updates its expiration time (get and
	// touch).
	GetAndTouch(key string, expiration uint32) GetResponse

	// This sets a single entry into memcache.  If the item's data version
	// id (aka CAS) is nonzero, the set operation only succeeds if the item
	// exists in memcache and has a same data version id.
	Set(item *Item) MutateResponse

	// Batch version of the Set method.  Note that the response entries
	// ordering is undefined (i.e., may not match the input ordering).
	SetMulti(items []*Item) []MutateResponse

	// Fire-and-forget version of Set: the request is written with a quiet
	// opcode and succeeds once the write completes.
	SetNoReply(item *Item) error

	// This adds a single entry into memcache.  Note: Add will fail if the
	// item already exists in memcache.
	Add(item *Item) MutateResponse

	// Fire-and-forget version of Add.
	AddNoReply(item *Item) error

	// This replaces a single entry in memcache.  Note: Replace will fail if
	// the item does not exist in memcache.
	Replace(item *Item) MutateResponse

	// Fire-and-forget version of Replace.
	ReplaceNoReply(item *Item) error

	// This compare-and-swaps a single entry.  Equivalent to Set with a
	// nonzero DataVersionId.
	Cas(item *Item) MutateResponse

	// Batch version of the Cas method.
	CasMulti(items []*Item) []MutateResponse

	// This deletes a single entry from memcache.
	Delete(key string) MutateResponse

	// Batch version of the Delete method.  Note that the response entries
	// ordering is undefined (i.e., may not match the input ordering).
	DeleteMulti(keys []string) []MutateResponse

	// Fire-and-forget version of Delete.
	DeleteNoReply(key string) error

	// This appends the value bytes to the end of an existing entry.  Note
	// that this does not allow you to extend past the item limit.
	Append(key string, value []byte) MutateResponse

	// Fire-and-forget version of Append.
	AppendNoReply(key string, value []byte) error

	// This prepends the value bytes to the start of an existing entry.
	Prepend(key string, value []byte) MutateResponse

	// Fire-and-forget version of Prepend.
	PrependNoReply(key string, value []byte) error

	// This updates the expiration time of an existing entry.
	Touch(key string, expiration uint32) MutateResponse

	// This increments the key's counter by delta.  If the counter does not
	// exist, one of two things may happen:
	// 1. If the expiration value is all one-bits (0xffffffff), the
	//    operation will fail with StatusKeyNotFound.
	// 2. For all other expiration values, the operation will succeed by
	//    seeding the value for this key with the provided initValue to
	//    expire with the provided expiration time.  The flags will be set
	//    to zero.
	Increment(
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32) CountResponse

	// This decrements the key's counter by delta.  Decrementing a counter
	// never results in a "negative value"; the counter is clamped at 0.
	Decrement(
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32) CountResponse

	// This invalidates all existing cache items after expiration number of
	// seconds.  The request is broadcast to every server.
	Flush(expiration uint32) Response

	// This requests the server statistics.  When the key is an empty
	// string, the servers respond with a "default" set of statistics
	// information.
	Stat(statsKey string) StatResponse

	// This returns the version string of every server.
	Version() VersionResponse

	// This sets the verbosity level of every server.
	Verbosity(verbosity uint32) Response

	// SASL authentication is reserved but not implemented; these always
	// fail with an UnsupportedOperationError.
	SASLListMechs() error
	SASLAuth(mech string, data []byte) error
	SASLStep(mech string, data []byte) error
}
