package p2p

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"veilnet/core/types"
	"veilnet/storage"
)

// FrameType is the u8 that follows the transport length prefix.
type FrameType uint8

const (
	FrameAlive FrameType = iota
	FrameCancel
	FramePing
	FramePong
	FrameNodes
	FrameSectionsRequest
	FrameProfiles
	FrameDocumentPages
	FrameDocumentOpinions
	FrameChatsRequest
	FrameTopics
	FrameMessages
	FrameSignaturesRequest
	FrameMailMessages
	FrameDocumentsRequest
	FrameBlocksLink
	FrameBlocksRequest
	FrameBlock
)

var frameNames = [...]string{
	"alive", "cancel", "ping", "pong", "nodes", "sections_request", "profiles",
	"document_pages", "document_opinions", "chats_request", "topics", "messages",
	"signatures_request", "mail_messages", "documents_request", "blocks_link",
	"blocks_request", "block",
}

func (t FrameType) String() string {
	if int(t) < len(frameNames) {
		return frameNames[t]
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

const (
	// MaxNonceSize bounds session ids and ping payloads.
	MaxNonceSize = 64

	maxFrameEntries    = 4096
	maxNodesPerFrame   = 128
	maxSignatureLength = 512
	maxEntrySize       = storage.MaxBlockSize + 1024
)

// Entry tags inside multi-entry payloads.
const (
	entryHeader  uint8 = 0
	entryContent uint8 = 1

	entryLink      uint8 = 0
	entrySignature uint8 = 1

	entryNode uint8 = 0
	entryKey  uint8 = 0
	entryData uint8 = 1
)

type entry struct {
	tag  uint8
	data []byte
}

// HeaderBundle is a header optionally followed by the block its Key names.
type HeaderBundle struct {
	Header  *types.Header
	Content []byte
}

func encodeFrame(t FrameType, entries []entry) []byte {
	size := 1
	for _, e := range entries {
		size += 5 + len(e.data)
	}
	buf := make([]byte, 1, size)
	buf[0] = byte(t)
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.data)))
		buf = append(buf, e.tag)
		buf = append(buf, e.data...)
	}
	return buf
}

// decodeEntries splits a payload into entries. Framing errors are violations.
func decodeEntries(payload []byte) ([]entry, error) {
	var out []entry
	for len(payload) > 0 {
		if len(out) >= maxFrameEntries {
			return nil, violation("more than %d entries", maxFrameEntries)
		}
		if len(payload) < 5 {
			return nil, violation("truncated entry header")
		}
		n := binary.BigEndian.Uint32(payload)
		if n > maxEntrySize {
			return nil, violation("entry of %d bytes", n)
		}
		tag := payload[4]
		payload = payload[5:]
		if uint64(len(payload)) < uint64(n) {
			return nil, violation("truncated entry")
		}
		out = append(out, entry{tag: tag, data: payload[:n:n]})
		payload = payload[n:]
	}
	return out, nil
}

func nodesFrame(nodes []types.Node) []byte {
	entries := make([]entry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, entry{tag: entryNode, data: types.EncodeNode(n)})
	}
	return encodeFrame(FrameNodes, entries)
}

// parseNodes drops malformed descriptors; gossip input is untrusted.
func parseNodes(entries []entry) []types.Node {
	var out []types.Node
	for _, e := range entries {
		if e.tag != entryNode || len(out) >= maxNodesPerFrame {
			continue
		}
		n, err := types.DecodeNode(e.data)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func keysFrame(t FrameType, keys []types.Key) []byte {
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, entry{tag: entryKey, data: types.EncodeKey(k)})
	}
	return encodeFrame(t, entries)
}

func parseKeys(entries []entry) []types.Key {
	var out []types.Key
	for _, e := range entries {
		if e.tag != entryKey {
			continue
		}
		k, err := types.DecodeKey(e.data)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out
}

func blockFrame(key types.Key, data []byte) []byte {
	return encodeFrame(FrameBlock, []entry{
		{tag: entryKey, data: types.EncodeKey(key)},
		{tag: entryData, data: data},
	})
}

// parseBlock returns ok=false for a well-framed but unusable block.
func parseBlock(entries []entry) (types.Key, []byte, bool) {
	if len(entries) != 2 || entries[0].tag != entryKey || entries[1].tag != entryData {
		return types.Key{}, nil, false
	}
	key, err := types.DecodeKey(entries[0].data)
	if err != nil {
		return types.Key{}, nil, false
	}
	data := entries[1].data
	if len(data) > storage.MaxBlockSize || !key.Matches(data) {
		return types.Key{}, nil, false
	}
	return key, append([]byte(nil), data...), true
}

// requestFrameType maps a link type to the frame that asks for its headers.
func requestFrameType(t types.LinkType) (FrameType, bool) {
	switch t {
	case types.LinkSection:
		return FrameSectionsRequest, true
	case types.LinkDocument:
		return FrameDocumentsRequest, true
	case types.LinkChat:
		return FrameChatsRequest, true
	case types.LinkMail:
		return FrameSignaturesRequest, true
	}
	return 0, false
}

func requestLinkType(t FrameType) types.LinkType {
	switch t {
	case FrameSectionsRequest:
		return types.LinkSection
	case FrameDocumentsRequest:
		return types.LinkDocument
	case FrameChatsRequest:
		return types.LinkChat
	case FrameSignaturesRequest:
		return types.LinkMail
	}
	return ""
}

// requestFrames groups links into one request frame per link type.
func requestFrames(links []types.Link) map[FrameType][]byte {
	grouped := make(map[FrameType][]entry)
	for _, l := range links {
		ft, ok := requestFrameType(l.Type)
		if !ok || !l.Valid() {
			continue
		}
		if ft == FrameSignaturesRequest {
			grouped[ft] = append(grouped[ft], entry{tag: entrySignature, data: []byte(l.Tag.Name)})
			continue
		}
		grouped[ft] = append(grouped[ft], entry{tag: entryLink, data: types.EncodeLink(l)})
	}
	out := make(map[FrameType][]byte, len(grouped))
	for ft, entries := range grouped {
		out[ft] = encodeFrame(ft, entries)
	}
	return out
}

func parseRequest(t FrameType, entries []entry) []types.Link {
	want := requestLinkType(t)
	var out []types.Link
	for _, e := range entries {
		switch e.tag {
		case entrySignature:
			if want != types.LinkMail || len(e.data) == 0 || len(e.data) > maxSignatureLength || !utf8.Valid(e.data) {
				continue
			}
			out = append(out, types.MailLink(string(e.data)))
		case entryLink:
			l, err := types.DecodeLink(e.data)
			if err != nil || l.Type != want {
				continue
			}
			out = append(out, l)
		}
	}
	return out
}

// headerFrameType maps a header to the frame that carries it.
func headerFrameType(l types.LinkType, h types.HeaderType) (FrameType, bool) {
	switch {
	case l == types.LinkSection && h == types.HeaderProfile:
		return FrameProfiles, true
	case l == types.LinkDocument && h == types.HeaderPage:
		return FrameDocumentPages, true
	case l == types.LinkDocument && h == types.HeaderVote:
		return FrameDocumentOpinions, true
	case l == types.LinkChat && h == types.HeaderTopic:
		return FrameTopics, true
	case (l == types.LinkSection || l == types.LinkChat) && h == types.HeaderMessage:
		return FrameMessages, true
	case l == types.LinkMail && h == types.HeaderMailMessage:
		return FrameMailMessages, true
	}
	return 0, false
}

func isHeaderFrame(t FrameType) bool {
	switch t {
	case FrameProfiles, FrameDocumentPages, FrameDocumentOpinions, FrameTopics, FrameMessages, FrameMailMessages:
		return true
	}
	return false
}

func isRequestFrame(t FrameType) bool {
	return requestLinkType(t) != ""
}

// headerFrames groups bundles into one frame per header frame type.
func headerFrames(bundles []HeaderBundle) map[FrameType][]byte {
	grouped := make(map[FrameType][]entry)
	for _, b := range bundles {
		if b.Header == nil {
			continue
		}
		ft, ok := headerFrameType(b.Header.Link.Type, b.Header.Type)
		if !ok {
			continue
		}
		grouped[ft] = append(grouped[ft], entry{tag: entryHeader, data: types.EncodeHeader(b.Header)})
		if len(b.Content) > 0 {
			grouped[ft] = append(grouped[ft], entry{tag: entryContent, data: b.Content})
		}
	}
	out := make(map[FrameType][]byte, len(grouped))
	for ft, entries := range grouped {
		out[ft] = encodeFrame(ft, entries)
	}
	return out
}

// parseHeaders decodes header entries, attaching a following content entry
// when it hashes to the header key. Headers that do not belong in this frame
// type are dropped; signature checks happen in the header store.
func parseHeaders(t FrameType, entries []entry) []HeaderBundle {
	var out []HeaderBundle
	var last *HeaderBundle
	for _, e := range entries {
		switch e.tag {
		case entryHeader:
			last = nil
			h, err := types.DecodeHeader(e.data)
			if err != nil {
				continue
			}
			if ft, ok := headerFrameType(h.Link.Type, h.Type); !ok || ft != t {
				continue
			}
			out = append(out, HeaderBundle{Header: h})
			last = &out[len(out)-1]
		case entryContent:
			if last == nil || last.Content != nil {
				continue
			}
			if len(e.data) <= storage.MaxBlockSize && last.Header.Key.Matches(e.data) {
				last.Content = append([]byte(nil), e.data...)
			}
		}
	}
	return out
}
