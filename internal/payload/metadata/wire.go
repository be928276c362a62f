package metadata

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. These are local to this package (we are not
// interoperating with the real update_metadata.proto wire format), but
// once assigned they must never change: a manifest written by an older
// build of this package must still parse.
const (
	fieldExtentStartBlock protowire.Number = 1
	fieldExtentNumBlocks  protowire.Number = 2

	fieldPartInfoSize protowire.Number = 1
	fieldPartInfoHash protowire.Number = 2

	fieldOpType       protowire.Number = 1
	fieldOpDataOffset protowire.Number = 2
	fieldOpDataLength protowire.Number = 3
	fieldOpDataHash   protowire.Number = 4
	fieldOpSrcExtent  protowire.Number = 5
	fieldOpDstExtent  protowire.Number = 6
	fieldOpSrcLength  protowire.Number = 7
	fieldOpDstLength  protowire.Number = 8

	fieldPartName           protowire.Number = 1
	fieldPartRunPostinstall protowire.Number = 2
	fieldPartPostinstall    protowire.Number = 3
	fieldPartOldInfo        protowire.Number = 4
	fieldPartNewInfo        protowire.Number = 5
	fieldPartOperation      protowire.Number = 6

	fieldManifestBlockSize    protowire.Number = 1
	fieldManifestMinorVersion protowire.Number = 2
	fieldManifestPartition    protowire.Number = 3
	fieldManifestSigOffset    protowire.Number = 4
	fieldManifestSigSize      protowire.Number = 5
	fieldManifestMaxTimestamp protowire.Number = 6
)

func appendExtent(b []byte, e Extent) []byte {
	b = protowire.AppendTag(b, fieldExtentStartBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = protowire.AppendTag(b, fieldExtentNumBlocks, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

func appendSubmessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendPartitionInfo(b []byte, info *PartitionInfo) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldPartInfoSize, protowire.VarintType)
	body = protowire.AppendVarint(body, info.Size)
	body = protowire.AppendTag(body, fieldPartInfoHash, protowire.BytesType)
	body = protowire.AppendBytes(body, info.Hash)
	return body
}

func appendOperation(op InstallOperation) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldOpType, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(op.Type))
	body = protowire.AppendTag(body, fieldOpDataOffset, protowire.VarintType)
	body = protowire.AppendVarint(body, op.DataOffset)
	body = protowire.AppendTag(body, fieldOpDataLength, protowire.VarintType)
	body = protowire.AppendVarint(body, op.DataLength)
	if len(op.DataSha256Hash) > 0 {
		body = protowire.AppendTag(body, fieldOpDataHash, protowire.BytesType)
		body = protowire.AppendBytes(body, op.DataSha256Hash)
	}
	for _, e := range op.SrcExtents {
		body = appendSubmessage(body, fieldOpSrcExtent, appendExtent(nil, e))
	}
	for _, e := range op.DstExtents {
		body = appendSubmessage(body, fieldOpDstExtent, appendExtent(nil, e))
	}
	if op.SrcLength != 0 {
		body = protowire.AppendTag(body, fieldOpSrcLength, protowire.VarintType)
		body = protowire.AppendVarint(body, op.SrcLength)
	}
	if op.DstLength != 0 {
		body = protowire.AppendTag(body, fieldOpDstLength, protowire.VarintType)
		body = protowire.AppendVarint(body, op.DstLength)
	}
	return body
}

func appendPartitionUpdate(p PartitionUpdate) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldPartName, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte(p.PartitionName))
	body = protowire.AppendTag(body, fieldPartRunPostinstall, protowire.VarintType)
	body = protowire.AppendVarint(body, boolVarint(p.RunPostinstall))
	if p.PostinstallPath != "" {
		body = protowire.AppendTag(body, fieldPartPostinstall, protowire.BytesType)
		body = protowire.AppendBytes(body, []byte(p.PostinstallPath))
	}
	if p.OldPartitionInfo != nil {
		body = appendSubmessage(body, fieldPartOldInfo, appendPartitionInfo(nil, p.OldPartitionInfo))
	}
	if p.NewPartitionInfo != nil {
		body = appendSubmessage(body, fieldPartNewInfo, appendPartitionInfo(nil, p.NewPartitionInfo))
	}
	for _, op := range p.Operations {
		body = appendSubmessage(body, fieldPartOperation, appendOperation(op))
	}
	return body
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// MarshalManifest serializes m into this package's deterministic
// protobuf-wire encoding.
func MarshalManifest(m *Manifest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldManifestBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.BlockSize))
	b = protowire.AppendTag(b, fieldManifestMinorVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	for _, p := range m.Partitions {
		b = appendSubmessage(b, fieldManifestPartition, appendPartitionUpdate(p))
	}
	b = protowire.AppendTag(b, fieldManifestSigOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SignaturesOffset)
	b = protowire.AppendTag(b, fieldManifestSigSize, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SignaturesSize)
	if m.MaxTimestamp != 0 {
		b = protowire.AppendTag(b, fieldManifestMaxTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MaxTimestamp))
	}
	return b
}

// ErrManifestParse is wrapped by every parse failure below.
type ErrManifestParse struct{ Reason string }

func (e *ErrManifestParse) Error() string { return "manifest parse: " + e.Reason }

func parseFail(format string, args ...any) error {
	return &ErrManifestParse{Reason: fmt.Sprintf(format, args...)}
}

func parseExtent(b []byte) (Extent, error) {
	var e Extent
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, parseFail("extent: bad tag")
		}
		b = b[n:]
		switch {
		case num == fieldExtentStartBlock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, parseFail("extent: bad start_block")
			}
			e.StartBlock = v
			b = b[n:]
		case num == fieldExtentNumBlocks && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, parseFail("extent: bad num_blocks")
			}
			e.NumBlocks = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, parseFail("extent: bad unknown field")
			}
			b = b[n:]
		}
	}
	return e, nil
}

func parsePartitionInfo(b []byte) (*PartitionInfo, error) {
	info := &PartitionInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, parseFail("partition_info: bad tag")
		}
		b = b[n:]
		switch {
		case num == fieldPartInfoSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, parseFail("partition_info: bad size")
			}
			info.Size = v
			b = b[n:]
		case num == fieldPartInfoHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, parseFail("partition_info: bad hash")
			}
			info.Hash = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, parseFail("partition_info: bad unknown field")
			}
			b = b[n:]
		}
	}
	return info, nil
}

func parseOperation(b []byte) (InstallOperation, error) {
	var op InstallOperation
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return op, parseFail("operation: bad tag")
		}
		b = b[n:]
		switch {
		case num == fieldOpType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, parseFail("operation: bad type")
			}
			op.Type = OpType(v)
			b = b[n:]
		case num == fieldOpDataOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, parseFail("operation: bad data_offset")
			}
			op.DataOffset = v
			b = b[n:]
		case num == fieldOpDataLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, parseFail("operation: bad data_length")
			}
			op.DataLength = v
			b = b[n:]
		case num == fieldOpDataHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op, parseFail("operation: bad data_sha256_hash")
			}
			op.DataSha256Hash = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldOpSrcExtent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op, parseFail("operation: bad src_extents")
			}
			e, err := parseExtent(v)
			if err != nil {
				return op, err
			}
			op.SrcExtents = append(op.SrcExtents, e)
			b = b[n:]
		case num == fieldOpDstExtent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return op, parseFail("operation: bad dst_extents")
			}
			e, err := parseExtent(v)
			if err != nil {
				return op, err
			}
			op.DstExtents = append(op.DstExtents, e)
			b = b[n:]
		case num == fieldOpSrcLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, parseFail("operation: bad src_length")
			}
			op.SrcLength = v
			b = b[n:]
		case num == fieldOpDstLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return op, parseFail("operation: bad dst_length")
			}
			op.DstLength = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return op, parseFail("operation: bad unknown field")
			}
			b = b[n:]
		}
	}
	return op, nil
}

func parsePartitionUpdate(b []byte) (PartitionUpdate, error) {
	var p PartitionUpdate
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, parseFail("partition: bad tag")
		}
		b = b[n:]
		switch {
		case num == fieldPartName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, parseFail("partition: bad partition_name")
			}
			p.PartitionName = string(v)
			b = b[n:]
		case num == fieldPartRunPostinstall && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, parseFail("partition: bad run_postinstall")
			}
			p.RunPostinstall = v != 0
			b = b[n:]
		case num == fieldPartPostinstall && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, parseFail("partition: bad postinstall_path")
			}
			p.PostinstallPath = string(v)
			b = b[n:]
		case num == fieldPartOldInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, parseFail("partition: bad old_partition_info")
			}
			info, err := parsePartitionInfo(v)
			if err != nil {
				return p, err
			}
			p.OldPartitionInfo = info
			b = b[n:]
		case num == fieldPartNewInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, parseFail("partition: bad new_partition_info")
			}
			info, err := parsePartitionInfo(v)
			if err != nil {
				return p, err
			}
			p.NewPartitionInfo = info
			b = b[n:]
		case num == fieldPartOperation && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, parseFail("partition: bad operations")
			}
			op, err := parseOperation(v)
			if err != nil {
				return p, err
			}
			p.Operations = append(p.Operations, op)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, parseFail("partition: bad unknown field")
			}
			b = b[n:]
		}
	}
	return p, nil
}

// UnmarshalManifest parses the manifest bytes produced by MarshalManifest.
func UnmarshalManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, parseFail("manifest: bad tag")
		}
		b = b[n:]
		switch {
		case num == fieldManifestBlockSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, parseFail("manifest: bad block_size")
			}
			m.BlockSize = uint32(v)
			b = b[n:]
		case num == fieldManifestMinorVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, parseFail("manifest: bad minor_version")
			}
			m.MinorVersion = uint32(v)
			b = b[n:]
		case num == fieldManifestPartition && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, parseFail("manifest: bad partitions")
			}
			p, err := parsePartitionUpdate(v)
			if err != nil {
				return nil, err
			}
			m.Partitions = append(m.Partitions, p)
			b = b[n:]
		case num == fieldManifestSigOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, parseFail("manifest: bad signatures_offset")
			}
			m.SignaturesOffset = v
			b = b[n:]
		case num == fieldManifestSigSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, parseFail("manifest: bad signatures_size")
			}
			m.SignaturesSize = v
			b = b[n:]
		case num == fieldManifestMaxTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, parseFail("manifest: bad max_timestamp")
			}
			m.MaxTimestamp = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, parseFail("manifest: bad unknown field")
			}
			b = b[n:]
		}
	}
	return m, nil
}
