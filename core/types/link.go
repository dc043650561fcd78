package types

import (
	"encoding/hex"
	"strconv"
	"unicode/utf8"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	maxTagIDLength   = 256
	maxTagNameLength = 256
)

// LinkType is the coarse category a Link belongs to.
type LinkType string

const (
	LinkSection  LinkType = "Section"
	LinkDocument LinkType = "Document"
	LinkChat     LinkType = "Chat"
	LinkMail     LinkType = "Mail"
)

// HeaderType is the fine-grained record type nested under a LinkType.
type HeaderType string

const (
	HeaderProfile     HeaderType = "Profile"
	HeaderMessage     HeaderType = "Message"
	HeaderPage        HeaderType = "Page"
	HeaderVote        HeaderType = "Vote"
	HeaderTopic       HeaderType = "Topic"
	HeaderMailMessage HeaderType = "MailMessage"
)

var linkHeaderTypes = map[LinkType][]HeaderType{
	LinkSection:  {HeaderProfile, HeaderMessage},
	LinkDocument: {HeaderPage, HeaderVote},
	LinkChat:     {HeaderTopic, HeaderMessage},
	LinkMail:     {HeaderMailMessage},
}

// Known reports whether t is one of the defined link types.
func (t LinkType) Known() bool {
	_, ok := linkHeaderTypes[t]
	return ok
}

// HeaderTypes lists the header types that may be filed under t.
func (t LinkType) HeaderTypes() []HeaderType {
	return append([]HeaderType(nil), linkHeaderTypes[t]...)
}

// Allows reports whether ht is a valid sub-type of t.
func (t LinkType) Allows(ht HeaderType) bool {
	for _, candidate := range linkHeaderTypes[t] {
		if candidate == ht {
			return true
		}
	}
	return false
}

// IsSingleton reports whether only the newest header per signer is kept for
// the (link type, header type) pair.
func IsSingleton(t LinkType, ht HeaderType) bool {
	switch {
	case t == LinkSection && ht == HeaderProfile:
		return true
	case t == LinkDocument && ht == HeaderVote:
		return true
	}
	return false
}

// IsMessageLike reports whether headers of the pair age out after the
// retention window regardless of count.
func IsMessageLike(t LinkType, ht HeaderType) bool {
	return ht == HeaderMessage || ht == HeaderMailMessage
}

// Tag names a topic. ID is opaque; Name is human readable.
type Tag struct {
	ID   []byte
	Name string
}

// Link identifies a logical room that headers are filed under.
type Link struct {
	Tag  Tag
	Type LinkType
}

// Valid reports whether the link is well formed.
func (l Link) Valid() bool {
	if len(l.Tag.ID) == 0 || len(l.Tag.ID) > maxTagIDLength {
		return false
	}
	if l.Tag.Name == "" || len(l.Tag.Name) > maxTagNameLength || !utf8.ValidString(l.Tag.Name) {
		return false
	}
	return l.Type != "" && l.Type.Known()
}

// ID returns a comparable form suitable for map keys.
func (l Link) ID() string {
	return string(l.Type) + ":" + strconv.Itoa(len(l.Tag.Name)) + ":" + l.Tag.Name + string(l.Tag.ID)
}

func (l Link) Equal(other Link) bool {
	return l.ID() == other.ID()
}

// Target maps the link into the node id space for distance ranking.
func (l Link) Target() NodeID {
	return TargetID(l.Tag.ID)
}

func (l Link) String() string {
	return string(l.Type) + "/" + l.Tag.Name + "#" + hex.EncodeToString(l.Tag.ID[:min(len(l.Tag.ID), 8)])
}

// MailLink returns the link that mail for the given recipient signature is filed under.
func MailLink(signature string) Link {
	return Link{
		Tag:  Tag{ID: ethcrypto.Keccak256([]byte(signature)), Name: signature},
		Type: LinkMail,
	}
}
