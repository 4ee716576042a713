// Package config decodes the persistent configuration record stream
// produced by the out-of-scope readconfig collaborator (spec section
// 6) into a types.AgentConfig. The stream is a flat sequence of
// type(u8)||value records bracketed by a BOM and EOM marker; strings
// are length-prefixed the way every other agentd wire format is.
package config

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/agentd/agentd/pkg/types"
)

// RecordType identifies one configuration record.
type RecordType uint8

const (
	RecordBOM                   RecordType = 0x00
	RecordLogDir                RecordType = 0x01
	RecordLogLevel              RecordType = 0x02
	RecordSecret                RecordType = 0x03
	RecordRootBlock             RecordType = 0x04
	RecordDatastore             RecordType = 0x05
	RecordListenAddr            RecordType = 0x06
	RecordChroot                RecordType = 0x07
	RecordUserGroup             RecordType = 0x08
	RecordBlockMaxMilliseconds  RecordType = 0x09
	RecordBlockMaxTransactions  RecordType = 0x0A
	RecordError                 RecordType = 0xFF
	RecordEOM                   RecordType = 0x80
)

// MaxBlockMaxMilliseconds and MaxBlockMaxTransactions mirror the
// configured-value ceilings types.AgentConfig documents.
const (
	MaxBlockMaxMilliseconds = types.MaxBlockMaxMilliseconds
	MaxBlockMaxTransactions = types.MaxBlockMaxTransactions
)

func writeString(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeRecordHeader(w io.Writer, t RecordType) error {
	_, err := w.Write([]byte{byte(t)})
	return err
}

// Encode serializes cfg as a BOM-bracketed record stream.
func Encode(w io.Writer, cfg types.AgentConfig) error {
	if err := writeRecordHeader(w, RecordBOM); err != nil {
		return err
	}

	if err := writeRecordHeader(w, RecordLogDir); err != nil {
		return err
	}
	if err := writeString(w, cfg.LogDir); err != nil {
		return err
	}

	if err := writeRecordHeader(w, RecordLogLevel); err != nil {
		return err
	}
	if err := writeInt64(w, cfg.LogLevel); err != nil {
		return err
	}

	if err := writeRecordHeader(w, RecordSecret); err != nil {
		return err
	}
	if err := writeString(w, cfg.SecretPath); err != nil {
		return err
	}

	if err := writeRecordHeader(w, RecordRootBlock); err != nil {
		return err
	}
	if err := writeString(w, cfg.RootBlockPath); err != nil {
		return err
	}

	if err := writeRecordHeader(w, RecordDatastore); err != nil {
		return err
	}
	if err := writeString(w, cfg.DatastorePath); err != nil {
		return err
	}

	for _, addr := range cfg.ListenAddresses {
		if err := writeRecordHeader(w, RecordListenAddr); err != nil {
			return err
		}
		if err := writeString(w, addr.Address); err != nil {
			return err
		}
		if err := writeUint64(w, addr.Port); err != nil {
			return err
		}
	}

	if cfg.ChrootDir != "" {
		if err := writeRecordHeader(w, RecordChroot); err != nil {
			return err
		}
		if err := writeString(w, cfg.ChrootDir); err != nil {
			return err
		}
	}

	if cfg.User != "" || cfg.Group != "" {
		if err := writeRecordHeader(w, RecordUserGroup); err != nil {
			return err
		}
		if err := writeString(w, cfg.User); err != nil {
			return err
		}
		if err := writeString(w, cfg.Group); err != nil {
			return err
		}
	}

	if err := writeRecordHeader(w, RecordBlockMaxMilliseconds); err != nil {
		return err
	}
	if err := writeInt64(w, cfg.BlockMaxMilliseconds); err != nil {
		return err
	}

	if err := writeRecordHeader(w, RecordBlockMaxTransactions); err != nil {
		return err
	}
	if err := writeInt64(w, cfg.BlockMaxTransactions); err != nil {
		return err
	}

	return writeRecordHeader(w, RecordEOM)
}

// Decode reads a BOM-bracketed record stream into an AgentConfig.
// Values outside their documented ceiling are rejected rather than
// silently clamped.
func Decode(r io.Reader) (types.AgentConfig, error) {
	var cfg types.AgentConfig

	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return cfg, fmt.Errorf("config: read BOM: %w", err)
	}
	if RecordType(typeBuf[0]) != RecordBOM {
		return cfg, fmt.Errorf("config: stream does not start with BOM")
	}

	for {
		if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
			return cfg, fmt.Errorf("config: read record type: %w", err)
		}
		rec := RecordType(typeBuf[0])

		switch rec {
		case RecordEOM:
			return cfg, nil

		case RecordError:
			return cfg, fmt.Errorf("config: readconfig reported an error")

		case RecordLogDir:
			s, err := readString(r)
			if err != nil {
				return cfg, err
			}
			cfg.LogDir = s

		case RecordLogLevel:
			v, err := readInt64(r)
			if err != nil {
				return cfg, err
			}
			if v < 0 || v > 9 {
				return cfg, fmt.Errorf("config: log level %d out of range 0-9", v)
			}
			cfg.LogLevel = v

		case RecordSecret:
			s, err := readString(r)
			if err != nil {
				return cfg, err
			}
			cfg.SecretPath = s

		case RecordRootBlock:
			s, err := readString(r)
			if err != nil {
				return cfg, err
			}
			cfg.RootBlockPath = s

		case RecordDatastore:
			s, err := readString(r)
			if err != nil {
				return cfg, err
			}
			cfg.DatastorePath = s

		case RecordListenAddr:
			addrStr, err := readString(r)
			if err != nil {
				return cfg, err
			}
			port, err := readUint64(r)
			if err != nil {
				return cfg, err
			}
			cfg.ListenAddresses = append(cfg.ListenAddresses, types.ListenAddress{
				Address: addrStr,
				Port:    port,
			})

		case RecordChroot:
			s, err := readString(r)
			if err != nil {
				return cfg, err
			}
			cfg.ChrootDir = s

		case RecordUserGroup:
			u, err := readString(r)
			if err != nil {
				return cfg, err
			}
			g, err := readString(r)
			if err != nil {
				return cfg, err
			}
			cfg.User = u
			cfg.Group = g

		case RecordBlockMaxMilliseconds:
			v, err := readInt64(r)
			if err != nil {
				return cfg, err
			}
			if v > MaxBlockMaxMilliseconds {
				return cfg, fmt.Errorf("config: block_max_milliseconds %d exceeds ceiling %d", v, MaxBlockMaxMilliseconds)
			}
			cfg.BlockMaxMilliseconds = v

		case RecordBlockMaxTransactions:
			v, err := readInt64(r)
			if err != nil {
				return cfg, err
			}
			if v > MaxBlockMaxTransactions {
				return cfg, fmt.Errorf("config: block_max_transactions %d exceeds ceiling %d", v, MaxBlockMaxTransactions)
			}
			cfg.BlockMaxTransactions = v

		default:
			return cfg, fmt.Errorf("config: unrecognized record type 0x%02x", rec)
		}
	}
}
