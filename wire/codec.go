package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// dtype tags used on the wire for tensor encoding. Only float32 and float64
// tensors are supported; any other gorgonia dtype is a protocol violation to
// encode.
const (
	dtypeFloat32 byte = iota
	dtypeFloat64
)

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeStringFloatMap(w io.Writer, m map[string]float32) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readStringFloatMap(r io.Reader) (map[string]float32, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	m := make(map[string]float32, n)
	for i := uint64(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		var v float32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// writeTensor encodes dtype byte, dimension count, dimensions, then the raw
// element bytes.
func writeTensor(w io.Writer, t tensor.Tensor) error {
	var dt byte
	switch t.Dtype() {
	case tensor.Float32:
		dt = dtypeFloat32
	case tensor.Float64:
		dt = dtypeFloat64
	default:
		return errors.Errorf("wire: unsupported tensor dtype %v", t.Dtype())
	}
	if err := binary.Write(w, binary.LittleEndian, dt); err != nil {
		return err
	}
	shape := t.Shape()
	if err := binary.Write(w, binary.LittleEndian, int64(len(shape))); err != nil {
		return err
	}
	for _, d := range shape {
		if err := binary.Write(w, binary.LittleEndian, int64(d)); err != nil {
			return err
		}
	}
	switch dt {
	case dtypeFloat32:
		data, ok := t.Data().([]float32)
		if !ok {
			return errors.New("wire: tensor dtype/backing mismatch (float32)")
		}
		return binary.Write(w, binary.LittleEndian, data)
	case dtypeFloat64:
		data, ok := t.Data().([]float64)
		if !ok {
			return errors.New("wire: tensor dtype/backing mismatch (float64)")
		}
		return binary.Write(w, binary.LittleEndian, data)
	}
	return nil
}

func readTensor(r io.Reader) (tensor.Tensor, error) {
	var dt byte
	if err := binary.Read(r, binary.LittleEndian, &dt); err != nil {
		return nil, err
	}
	var ndim int64
	if err := binary.Read(r, binary.LittleEndian, &ndim); err != nil {
		return nil, err
	}
	dims := make([]int, ndim)
	numel := int64(1)
	for i := range dims {
		var d int64
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return nil, err
		}
		dims[i] = int(d)
		numel *= d
	}
	switch dt {
	case dtypeFloat32:
		data := make([]float32, numel)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
		return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data)), nil
	case dtypeFloat64:
		data := make([]float64, numel)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
		return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data)), nil
	default:
		return nil, errors.Errorf("wire: unknown tensor dtype tag %d", dt)
	}
}

func writeStateDict(w io.Writer, m map[string]tensor.Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeTensor(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readStateDict(r io.Reader) (map[string]tensor.Tensor, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	m := make(map[string]tensor.Tensor, n)
	for i := uint64(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readTensor(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// EncodeMessage writes tag then msg's fields to w. msg must be one of the
// concrete message types in protocol.go (or nil for TagNull).
func EncodeMessage(w io.Writer, tag Tag, msg interface{}) error {
	if err := binary.Write(w, binary.LittleEndian, byte(tag)); err != nil {
		return err
	}
	switch tag {
	case TagNull:
		return nil
	case TagRequestModel:
		m := msg.(RequestModel)
		if err := binary.Write(w, binary.LittleEndian, m.WantNew); err != nil {
			return err
		}
		return writeString(w, m.Id)
	case TagReplyModel:
		m := msg.(ReplyModel)
		if err := writeString(w, m.Id); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, m.Version)
	case TagRequestStateDict:
		m := msg.(RequestStateDict)
		return writeString(w, m.Id)
	case TagReplyStateDict:
		m := msg.(ReplyStateDict)
		if err := binary.Write(w, binary.LittleEndian, m.Found); err != nil {
			return err
		}
		if !m.Found {
			return nil
		}
		return writeStateDict(w, m.StateDict)
	case TagTrainData:
		m := msg.(TrainData)
		return writeBytes(w, m.Blob)
	case TagGameResult:
		m := msg.(GameResult)
		if err := binary.Write(w, binary.LittleEndian, uint64(len(m.Entries))); err != nil {
			return err
		}
		for _, e := range m.Entries {
			if err := binary.Write(w, binary.LittleEndian, e.Reward); err != nil {
				return err
			}
			if err := writeStringFloatMap(w, e.Ratios); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.Errorf("wire: unknown tag %d", tag)
	}
}

// DecodeMessage reads a tag then the matching message from r. The returned
// value's concrete type mirrors EncodeMessage's msg argument for that tag
// (nil for TagNull). An unknown tag or truncated payload is a protocol
// violation: the caller should log and drop, not reply.
func DecodeMessage(r io.Reader) (Tag, interface{}, error) {
	var tagByte byte
	if err := binary.Read(r, binary.LittleEndian, &tagByte); err != nil {
		return TagNull, nil, err
	}
	tag := Tag(tagByte)
	switch tag {
	case TagNull:
		return tag, nil, nil
	case TagRequestModel:
		var wantNew bool
		if err := binary.Read(r, binary.LittleEndian, &wantNew); err != nil {
			return tag, nil, err
		}
		id, err := readString(r)
		if err != nil {
			return tag, nil, err
		}
		return tag, RequestModel{WantNew: wantNew, Id: id}, nil
	case TagReplyModel:
		id, err := readString(r)
		if err != nil {
			return tag, nil, err
		}
		var version int32
		if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
			return tag, nil, err
		}
		return tag, ReplyModel{Id: id, Version: version}, nil
	case TagRequestStateDict:
		id, err := readString(r)
		if err != nil {
			return tag, nil, err
		}
		return tag, RequestStateDict{Id: id}, nil
	case TagReplyStateDict:
		var found bool
		if err := binary.Read(r, binary.LittleEndian, &found); err != nil {
			return tag, nil, err
		}
		if !found {
			return tag, ReplyStateDict{Found: false}, nil
		}
		sd, err := readStateDict(r)
		if err != nil {
			return tag, nil, err
		}
		return tag, ReplyStateDict{Found: true, StateDict: sd}, nil
	case TagTrainData:
		blob, err := readBytes(r)
		if err != nil {
			return tag, nil, err
		}
		return tag, TrainData{Blob: blob}, nil
	case TagGameResult:
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return tag, nil, err
		}
		entries := make([]GameResultEntry, n)
		for i := range entries {
			if err := binary.Read(r, binary.LittleEndian, &entries[i].Reward); err != nil {
				return tag, nil, err
			}
			ratios, err := readStringFloatMap(r)
			if err != nil {
				return tag, nil, err
			}
			entries[i].Ratios = ratios
		}
		return tag, GameResult{Entries: entries}, nil
	default:
		return tag, nil, errors.Errorf("wire: unknown tag %d", tagByte)
	}
}
