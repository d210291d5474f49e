package entry

import (
	"fmt"

	"github.com/vaultcache/diskcache/pkg/diskcache/address"
)

// writeLongKey stores a key too large for Record.InlineKey, using the same
// 16 KB buffer/block/external escalation ladder as a data stream: short
// keys spill into a block-file run, longer ones into a standalone file.
func writeLongKey(bf BlockAllocator, ext ExternalFiles, key string) (address.Addr, error) {
	data := []byte(key)

	kind := address.RequiredFileType(len(data))
	if kind == address.External {
		number, err := ext.NextNumber()
		if err != nil {
			return address.Zero, err
		}

		f, err := ext.Create(number)
		if err != nil {
			return address.Zero, err
		}

		if _, err := f.Write(0, data); err != nil {
			return address.Zero, err
		}

		if err := f.Close(); err != nil {
			return address.Zero, err
		}

		return address.NewExternal(number), nil
	}

	count := address.BlocksNeeded(kind, len(data))

	addr, err := bf.CreateBlock(kind, count)
	if err != nil {
		return address.Zero, fmt.Errorf("entry: allocate long key block: %w", err)
	}

	f, offset, err := bf.GetFile(addr)
	if err != nil {
		return address.Zero, err
	}

	if _, err := f.Write(offset, data); err != nil {
		return address.Zero, err
	}

	return addr, nil
}

// readLongKey reads back a key stored via writeLongKey.
func readLongKey(bf BlockAllocator, ext ExternalFiles, addr address.Addr, keyLen int) ([]byte, error) {
	buf := make([]byte, keyLen)

	if addr.IsSeparateFile() {
		f, err := ext.Open(addr.FileNumber())
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if _, err := f.Read(0, buf); err != nil {
			return nil, err
		}

		return buf, nil
	}

	f, offset, err := bf.GetFile(addr)
	if err != nil {
		return nil, err
	}

	if _, err := f.Read(offset, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// releaseLongKey frees the storage backing a long key.
func releaseLongKey(bf BlockAllocator, ext ExternalFiles, addr address.Addr) error {
	if addr.IsSeparateFile() {
		return ext.Remove(addr.FileNumber())
	}

	return bf.DeleteBlock(addr, false)
}
