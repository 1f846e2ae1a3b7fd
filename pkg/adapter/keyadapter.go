package adapter

import (
	"encoding/hex"
	"strings"

	derror "github.com/tributary-io/tributary/pkg/errors"
)

// KeyAdapter builds etcd keys under a fixed prefix from logical key
// segments, and parses them back. Segments are hex-encoded so that
// arbitrary ids never collide with the '/' separator.
type KeyAdapter interface {
	Encode(keys ...string) string
	Decode(key string) ([]string, error)
	Path() string
}

var (
	// JobResultKeyAdapter stores durable terminal job results.
	JobResultKeyAdapter KeyAdapter = keyHexEncoderDecoder("/tributary/job-result/")

	// JobLeaderKeyAdapter is the per-job leader election prefix.
	JobLeaderKeyAdapter KeyAdapter = keyHexEncoderDecoder("/tributary/job-leader/")

	// EpochKeyAdapter holds the dummy key whose put-revision serves as a
	// cluster-wide monotonic epoch source.
	EpochKeyAdapter KeyAdapter = keyHexEncoderDecoder("/tributary/epoch/")
)

type keyHexEncoderDecoder string

func (s keyHexEncoderDecoder) Encode(keys ...string) string {
	hexKeys := []string{strings.TrimSuffix(string(s), "/")}
	for _, key := range keys {
		hexKeys = append(hexKeys, hex.EncodeToString([]byte(key)))
	}
	ret := strings.Join(hexKeys, "/")
	if len(keys) == 0 {
		ret += "/"
	}
	return ret
}

func (s keyHexEncoderDecoder) Decode(key string) ([]string, error) {
	if !strings.HasPrefix(key, string(s)) {
		return nil, derror.ErrDecodeEtcdKeyFail.GenWithStackByArgs(key)
	}
	v := strings.Split(strings.TrimPrefix(key, string(s)), "/")
	for i, k := range v {
		dec, err := hex.DecodeString(k)
		if err != nil {
			return nil, derror.ErrDecodeEtcdKeyFail.GenWithStackByArgs(k)
		}
		v[i] = string(dec)
	}
	return v, nil
}

func (s keyHexEncoderDecoder) Path() string {
	return string(s)
}
