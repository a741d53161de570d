package wire

// Argument sequences: a uint16 count followed by one length-prefixed,
// registry-encoded value per argument. The dispatcher decodes each argument
// against the operation's declared parameter types.

// EncodeArgs encodes an argument tuple with reg.
func EncodeArgs(reg *Registry, args ...any) ([]byte, error) {
	w := NewWriter(reg)
	w.WriteUint16(uint16(len(args)))
	for i, a := range args {
		b, err := reg.Encode(a)
		if err != nil {
			return nil, codecErrf("argument %d: %v", i, err)
		}
		w.WriteBytes(b)
	}
	return w.Bytes(), nil
}

// DecodeArgs decodes an argument tuple with reg, failing closed on count or
// framing mismatches.
func DecodeArgs(reg *Registry, data []byte) ([]any, error) {
	r := NewReader(reg, data)
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, n)
	for i := uint16(0); i < n; i++ {
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		v, err := reg.Decode(b)
		if err != nil {
			return nil, codecErrf("argument %d: %v", i, err)
		}
		args = append(args, v)
	}
	if err := finishRead(r); err != nil {
		return nil, err
	}
	return args, nil
}
