package codec

import "github.com/bytedance/sonic"

// JSON encodes with sonic's std-compatible config so field tags behave
// exactly like encoding/json.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return sonic.ConfigStd.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := sonic.ConfigStd.Unmarshal(b, &v)
	return v, err
}
