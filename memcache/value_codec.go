package memcache

import (
	"github.com/dropbox/godropbox/errors"
)

// RawCodec is the identity ValueCodec: values are byte slices stored
// verbatim with zero flags.
type RawCodec struct {
}

var _ ValueCodec = RawCodec{}

// See ValueCodec interface for documentation.
func (RawCodec) Encode(value interface{}) (uint32, []byte, error) {
	data, ok := value.([]byte)
	if !ok {
		return 0, nil, errors.Newf(
			"raw codec requires a []byte value, got %T",
			value)
	}
	return 0, data, nil
}

// See ValueCodec interface for documentation.
func (RawCodec) Decode(flags uint32, data []byte) (interface{}, error) {
	return data, nil
}

// A CodecClient stores application values through a ValueCodec, mapping
// each value to the flags and payload bytes persisted in memcache.
type CodecClient struct {
	client Client
	codec  ValueCodec
}

// This wraps a client with a value codec.  A nil codec picks RawCodec.
func NewCodecClient(client Client, codec ValueCodec) *CodecClient {
	if codec == nil {
		codec = RawCodec{}
	}
	return &CodecClient{client: client, codec: codec}
}

// This retrieves and decodes a single entry.  A miss returns found=false
// with a nil error.
func (c *CodecClient) GetValue(
	key string) (value interface{}, found bool, err error) {

	resp := c.client.Get(key)
	if err := resp.Error(); err != nil {
		return nil, false, err
	}
	if resp.Status() == StatusKeyNotFound {
		return nil, false, nil
	}
	decoded, err := c.codec.Decode(resp.Flags(), resp.Value())
	if err != nil {
		return nil, false, errors.Wrapf(
			err,
			"failed to decode value. key=%s flags=%d",
			key,
			resp.Flags())
	}
	return decoded, true, nil
}

// This encodes and stores a single entry.
func (c *CodecClient) SetValue(
	key string,
	value interface{},
	expiration uint32) error {

	flags, data, err := c.codec.Encode(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode value. key=%s", key)
	}
	return c.client.Set(&Item{
		Key:        key,
		Value:      data,
		Flags:      flags,
		Expiration: expiration,
	}).Error()
}

// Same as SetValue, but fails if the entry already exists.
func (c *CodecClient) AddValue(
	key string,
	value interface{},
	expiration uint32) error {

	flags, data, err := c.codec.Encode(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode value. key=%s", key)
	}
	return c.client.Add(&Item{
		Key:        key,
		Value:      data,
		Flags:      flags,
		Expiration: expiration,
	}).Error()
}

// Same as SetValue, but fails if the entry does not exist.
func (c *CodecClient) ReplaceValue(
	key string,
	value interface{},
	expiration uint32) error {

	flags, data, err := c.codec.Encode(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode value. key=%s", key)
	}
	return c.client.Replace(&Item{
		Key:        key,
		Value:      data,
		Flags:      flags,
		Expiration: expiration,
	}).Error()
}

// This deletes a single entry.
func (c *CodecClient) DeleteValue(key string) error {
	return c.client.Delete(key).Error()
}
