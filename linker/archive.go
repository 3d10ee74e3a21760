package linker

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	archiveMagic     = "!<arch>\n"
	thinArchiveMagic = "!<thin>\n"
	arHeaderSize     = 60
)

type archiveMember struct {
	name string
	data []byte
}

func readArchiveMembers(name string, data []byte) ([]archiveMember, error) {
	if !bytes.HasPrefix(data, []byte(archiveMagic)) {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownFileType)
	}
	var members []archiveMember
	var longNames []byte
	pos := len(archiveMagic)
	for pos+arHeaderSize <= len(data) {
		if pos%2 == 1 {
			pos++
			continue
		}
		hdr := data[pos : pos+arHeaderSize]
		size, err := strconv.ParseUint(strings.TrimSpace(string(hdr[48:58])), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad archive member size: %w", name, err)
		}
		body := pos + arHeaderSize
		end := body + int(size)
		if end > len(data) {
			return nil, fmt.Errorf("%s: truncated archive member", name)
		}
		pos = end
		member := strings.TrimRight(string(hdr[:16]), " ")
		switch {
		case member == "//":
			longNames = data[body:end]
			continue
		case member == "/" || member == "/SYM64/" || member == "__.SYMDEF" || member == "__.SYMDEF SORTED":
			continue
		case strings.HasPrefix(member, "/"):
			off, err := strconv.Atoi(member[1:])
			if err != nil || off >= len(longNames) {
				return nil, fmt.Errorf("%s: bad long member name %q", name, member)
			}
			member = string(longNames[off:])
			if i := strings.Index(member, "/\n"); i >= 0 {
				member = member[:i]
			}
		default:
			member = strings.TrimSuffix(member, "/")
		}
		members = append(members, archiveMember{name: member, data: data[body:end]})
	}
	return members, nil
}
