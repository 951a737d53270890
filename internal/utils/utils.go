package utils

import (
	"strconv"
	"time"

	types "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	"google.golang.org/protobuf/proto"
)

// NonceLength is the length of the string returned by NewNonce. NewNonce encodes the current UNIX
// time in nanos in hex encoding, so the nonce will be 16 characters if the current UNIX nano time is
// greater than 2^60-1. This is because it takes 16 hex characters to encode 64 bits, but only 15 to
// encode 60 bits (the output of strconv.FormatInt is not padded by 0s). 2^60-1 nanos from epoch time
// (January 1st 1970) is 2006-07-14 23:58:24.606, which as of this writing is over 17 years ago. This
// is why it's guaranteed that NonceLength will be 16 characters (before that date, encoding the
// nanos only required 15 characters).
const NonceLength = 16

// NewNonce creates a new unique nonce based on the current UNIX time in nanos. It always returns a
// string of length NonceLength. The filesystem subscription uses it to tag each reload's log line,
// since that path has no server-issued nonce.
func NewNonce() string {
	// The second parameter to FormatInt is the base, e.g. 2 will return binary, 8 will return octal
	// encoding, etc. 16 means FormatInt returns the integer in hex encoding.
	const hexBase = 16
	return strconv.FormatInt(time.Now().UnixNano(), hexBase)
}

// GetTypeURL returns the xDS type URL for the given proto message type, e.g.
// "type.googleapis.com/envoy.config.cluster.v3.Cluster".
func GetTypeURL[T proto.Message]() string {
	var t T
	return getTypeURL(t)
}

func getTypeURL(t proto.Message) string {
	return types.APITypePrefix + string(t.ProtoReflect().Descriptor().FullName())
}
