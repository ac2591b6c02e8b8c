package zkgrid

import (
	"github.com/goccy/go-json"
)

// Codec is the opaque serialization boundary of the
// discovery core. Everything the engine stores in
// ZooKeeper beyond raw path names goes through a Codec:
// the event log at /evts, joining-data blobs, the data
// snapshot handed to a joiner, per-node ack records, and
// user custom messages.
//
// The identity of the codec is irrelevant to the engine,
// but every member of one cluster must use the same one.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// jsonCodec is the default Codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// DefaultCodec returns the JSON codec used when
// Config.Codec is nil.
func DefaultCodec() Codec {
	return jsonCodec{}
}
