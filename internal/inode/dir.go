package inode

import (
	"encoding/binary"
	"fmt"
)

// Dirent is one decoded directory entry slot. An Inum of 0 marks an empty
// slot, mirroring biscuit's Dirdata_t convention (_teacher_fs/dir.go).
type Dirent struct {
	Name string
	Inum uint32
}

func encodeDirent(buf []byte, name string, inum uint32) {
	for i := range buf[:DNameLen] {
		buf[i] = 0
	}
	copy(buf[:DNameLen], name)
	binary.LittleEndian.PutUint32(buf[DNameLen:NDBytes], inum)
}

func decodeDirent(buf []byte) Dirent {
	end := 0
	for end < DNameLen && buf[end] != 0 {
		end++
	}
	name := string(buf[:end])
	inum := binary.LittleEndian.Uint32(buf[DNameLen:NDBytes])
	return Dirent{Name: name, Inum: inum}
}

// Dirlookup scans dir's data blocks for name, mirroring biscuit's
// imemnode_t.ilookup / _delookup. Returns (0, nil) if not found.
func (s *Store) Dirlookup(dir *Inode, name string) (uint32, error) {
	if dir.Type() != TypeDir {
		return 0, fmt.Errorf("inode: dirlookup on non-directory inode %d", dir.Inum)
	}
	sz := dir.Size()
	buf := make([]byte, NDBytes)
	for off := uint64(0); off < sz; off += NDBytes {
		n, err := s.Readi(dir, buf, off)
		if err != nil {
			return 0, err
		}
		if n < NDBytes {
			break
		}
		de := decodeDirent(buf)
		if de.Inum != 0 && de.Name == name {
			return de.Inum, nil
		}
	}
	return 0, nil
}

// Dirlink appends a (name, inum) entry to dir, reusing the first empty slot
// it finds and otherwise appending one slot at the end of the directory —
// mirroring biscuit's _denextempty/_deinsert. Returns
// ErrExists if name is already bound.
var ErrExists = fmt.Errorf("inode: directory entry already exists")

func (s *Store) Dirlink(txn Txn, dir *Inode, name string, inum uint32) error {
	if dir.Type() != TypeDir {
		return fmt.Errorf("inode: dirlink on non-directory inode %d", dir.Inum)
	}
	existing, err := s.Dirlookup(dir, name)
	if err != nil {
		return err
	}
	if existing != 0 {
		return ErrExists
	}

	sz := dir.Size()
	buf := make([]byte, NDBytes)
	var off uint64
	found := false
	for off = 0; off < sz; off += NDBytes {
		n, err := s.Readi(dir, buf, off)
		if err != nil {
			return err
		}
		if n < NDBytes {
			break
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			found = true
			break
		}
	}
	if !found {
		off = sz
	}
	encodeDirent(buf, name, inum)
	if _, err := s.Writei(txn, dir, buf, off); err != nil {
		return err
	}
	return s.Iupdate(txn, dir)
}

// Dirunlink clears the slot bound to name, mirroring biscuit's
// imemnode_t.iunlink. Returns the inode number that was unlinked, or
// (0, nil) if name was not found.
func (s *Store) Dirunlink(txn Txn, dir *Inode, name string) (uint32, error) {
	if dir.Type() != TypeDir {
		return 0, fmt.Errorf("inode: dirunlink on non-directory inode %d", dir.Inum)
	}
	sz := dir.Size()
	buf := make([]byte, NDBytes)
	for off := uint64(0); off < sz; off += NDBytes {
		n, err := s.Readi(dir, buf, off)
		if err != nil {
			return 0, err
		}
		if n < NDBytes {
			break
		}
		de := decodeDirent(buf)
		if de.Inum != 0 && de.Name == name {
			encodeDirent(buf, "", 0)
			if _, err := s.Writei(txn, dir, buf, off); err != nil {
				return 0, err
			}
			if err := s.Iupdate(txn, dir); err != nil {
				return 0, err
			}
			return de.Inum, nil
		}
	}
	return 0, nil
}

// Direntries returns every non-empty entry in dir, used by the mnode
// directory layer to populate its name-to-mnode map.
func (s *Store) Direntries(dir *Inode) ([]Dirent, error) {
	if dir.Type() != TypeDir {
		return nil, fmt.Errorf("inode: direntries on non-directory inode %d", dir.Inum)
	}
	sz := dir.Size()
	buf := make([]byte, NDBytes)
	var out []Dirent
	for off := uint64(0); off < sz; off += NDBytes {
		n, err := s.Readi(dir, buf, off)
		if err != nil {
			return nil, err
		}
		if n < NDBytes {
			break
		}
		de := decodeDirent(buf)
		if de.Inum != 0 {
			out = append(out, de)
		}
	}
	return out, nil
}

// Dirempty reports whether dir has no entries besides "." and "..",
// mirroring biscuit's idirempty (used by rmdir's do_dirchk).
func (s *Store) Dirempty(dir *Inode) (bool, error) {
	ents, err := s.Direntries(dir)
	if err != nil {
		return false, err
	}
	for _, de := range ents {
		if de.Name != "." && de.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}
