package headers

import (
	"fmt"
	mrand "math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"veilnet/core/types"
	"veilnet/crypto"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type signer struct {
	nickname string
	key      *crypto.PrivateKey
}

func newSigner(t *testing.T, nickname string) signer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return signer{nickname: nickname, key: key}
}

func (s signer) id() string {
	return types.SignerOf(s.nickname, s.key.PubKey().PublicKey)
}

func (s signer) header(t *testing.T, link types.Link, ht types.HeaderType, created time.Time, body string) *types.Header {
	t.Helper()
	h := &types.Header{
		Link:         link,
		Type:         ht,
		CreationTime: created,
		Key:          types.NewKey([]byte(body)),
	}
	require.NoError(t, crypto.SignHeader(h, s.nickname, s.key))
	return h
}

func link(typ types.LinkType, name string) types.Link {
	return types.Link{Tag: types.Tag{ID: []byte("id:" + name), Name: name}, Type: typ}
}

func newTestStore() (*Store, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(baseTime)
	return New(WithClock(mock), WithRand(mrand.New(mrand.NewPCG(1, 2)))), mock
}

func TestSetHeaderStreamIsIdempotent(t *testing.T) {
	store, _ := newTestStore()
	alice := newSigner(t, "alice")
	l := link(types.LinkChat, "lobby")
	h := alice.header(t, l, types.HeaderMessage, baseTime, "one")

	added, err := store.SetHeader(h)
	require.NoError(t, err)
	require.True(t, added)

	added, err = store.SetHeader(h)
	require.NoError(t, err)
	require.False(t, added)

	got := store.GetHeadersByType(l, types.HeaderMessage)
	require.Len(t, got, 1)
	require.Equal(t, h.Identity(), got[0].Identity())
	require.Equal(t, 1, store.Len())
}

func TestSetHeaderSingletonKeepsNewest(t *testing.T) {
	store, _ := newTestStore()
	alice := newSigner(t, "alice")
	l := link(types.LinkSection, "news")

	older := alice.header(t, l, types.HeaderProfile, baseTime.Add(-time.Hour), "v1")
	newer := alice.header(t, l, types.HeaderProfile, baseTime, "v2")

	_, err := store.SetHeader(newer)
	require.NoError(t, err)
	added, err := store.SetHeader(older)
	require.NoError(t, err)
	require.False(t, added)

	got := store.GetHeadersByType(l, types.HeaderProfile)
	require.Len(t, got, 1)
	require.Equal(t, newer.Key, got[0].Key)

	newest := alice.header(t, l, types.HeaderProfile, baseTime.Add(time.Minute), "v3")
	added, err = store.SetHeader(newest)
	require.NoError(t, err)
	require.True(t, added)
	got = store.GetHeadersByType(l, types.HeaderProfile)
	require.Len(t, got, 1)
	require.Equal(t, newest.Key, got[0].Key)
	require.Equal(t, 1, store.Len())
}

func TestSetHeaderRejectsMalformed(t *testing.T) {
	store, _ := newTestStore()
	alice := newSigner(t, "alice")
	l := link(types.LinkChat, "lobby")

	future := alice.header(t, l, types.HeaderMessage, baseTime.Add(types.MaxClockSkew+time.Minute), "f")
	_, err := store.SetHeader(future)
	require.ErrorIs(t, err, ErrInvalidHeader)

	emptyType := alice.header(t, l, "", baseTime, "e")
	_, err = store.SetHeader(emptyType)
	require.ErrorIs(t, err, ErrInvalidHeader)

	badLink := alice.header(t, types.Link{Tag: types.Tag{ID: []byte{1}}, Type: types.LinkChat}, types.HeaderMessage, baseTime, "b")
	_, err = store.SetHeader(badLink)
	require.ErrorIs(t, err, ErrInvalidHeader)

	forged := alice.header(t, l, types.HeaderMessage, baseTime, "g")
	forged.Key = types.NewKey([]byte("swapped"))
	_, err = store.SetHeader(forged)
	require.ErrorIs(t, err, ErrInvalidHeader)

	stale := alice.header(t, l, types.HeaderMessage, baseTime.Add(-MaxStreamAge-time.Hour), "s")
	_, err = store.SetHeader(stale)
	require.ErrorIs(t, err, ErrExpired)

	require.Equal(t, 0, store.Len())
	require.Empty(t, store.Links())
}

func TestRemoveHeader(t *testing.T) {
	store, _ := newTestStore()
	alice := newSigner(t, "alice")
	l := link(types.LinkDocument, "wiki")
	h := alice.header(t, l, types.HeaderPage, baseTime, "page")
	_, err := store.SetHeader(h)
	require.NoError(t, err)

	require.True(t, store.RemoveHeader(h))
	require.False(t, store.RemoveHeader(h))
	require.Equal(t, 0, store.Len())
	require.Empty(t, store.GetHeaders(l))
}

func TestCollectKeepsMostRecentlyUsedUncoveredLinks(t *testing.T) {
	store, mock := newTestStore()
	alice := newSigner(t, "alice")

	total := MaxUncoveredLinks + 76
	links := make([]types.Link, total)
	for i := range links {
		links[i] = link(types.LinkChat, fmt.Sprintf("room-%04d", i))
		_, err := store.SetHeader(alice.header(t, links[i], types.HeaderTopic, baseTime, fmt.Sprint(i)))
		require.NoError(t, err)
	}
	for i := range links {
		mock.Add(time.Second)
		store.Touch(links[i])
	}

	stats := store.Collect(nil)
	require.Equal(t, total-MaxUncoveredLinks, stats.LinksDropped)
	require.Len(t, store.Links(), MaxUncoveredLinks)

	for i, l := range links {
		_, tracked := store.LastUsed(l)
		if i < total-MaxUncoveredLinks {
			require.Empty(t, store.GetHeaders(l), "link %d should be dropped", i)
			require.False(t, tracked)
		} else {
			require.NotEmpty(t, store.GetHeaders(l), "link %d should survive", i)
			require.True(t, tracked)
		}
	}
}

func TestCollectSamplesUntrustedSingletons(t *testing.T) {
	store, _ := newTestStore()
	l := link(types.LinkSection, "town")
	trusted := newSigner(t, "trusted")

	_, err := store.SetHeader(trusted.header(t, l, types.HeaderProfile, baseTime, "trusted"))
	require.NoError(t, err)
	for i := 0; i < maxUntrustedSigners+8; i++ {
		s := newSigner(t, fmt.Sprintf("anon%d", i))
		_, err := store.SetHeader(s.header(t, l, types.HeaderProfile, baseTime, s.nickname))
		require.NoError(t, err)
	}

	store.Collect([]types.TrustCriterion{{Signers: []string{trusted.id()}, Links: []types.Link{l}}})

	got := store.GetHeadersByType(l, types.HeaderProfile)
	require.Len(t, got, maxUntrustedSigners+1)
	found := false
	for _, h := range got {
		if h.Signer() == trusted.id() {
			found = true
		}
	}
	require.True(t, found, "trusted signer must survive sampling")
}

func TestCollectCapsStreamsOldestFirst(t *testing.T) {
	store, mock := newTestStore()
	l := link(types.LinkChat, "busy")
	anon := newSigner(t, "anon")
	friend := newSigner(t, "friend")
	mock.Set(baseTime.Add(time.Hour))

	for i := 0; i < 40; i++ {
		created := baseTime.Add(time.Duration(i) * time.Minute)
		_, err := store.SetHeader(anon.header(t, l, types.HeaderMessage, created, fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
		_, err = store.SetHeader(friend.header(t, l, types.HeaderMessage, created, fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
	}

	store.Collect([]types.TrustCriterion{{Signers: []string{friend.id()}, Links: []types.Link{l}}})

	var anonCount, friendCount int
	oldestAnon := baseTime.Add(time.Hour)
	for _, h := range store.GetHeadersByType(l, types.HeaderMessage) {
		switch h.Signer() {
		case anon.id():
			anonCount++
			if h.CreationTime.Before(oldestAnon) {
				oldestAnon = h.CreationTime
			}
		case friend.id():
			friendCount++
		}
	}
	require.Equal(t, 32, anonCount)
	require.Equal(t, 40, friendCount)
	require.Equal(t, baseTime.Add(8*time.Minute), oldestAnon)
}

func TestCollectAppliesMessageAgeCutoff(t *testing.T) {
	store, mock := newTestStore()
	alice := newSigner(t, "alice")
	messages := link(types.LinkChat, "old")
	wiki := link(types.LinkDocument, "old-wiki")

	_, err := store.SetHeader(alice.header(t, messages, types.HeaderMessage, baseTime, "m"))
	require.NoError(t, err)
	_, err = store.SetHeader(alice.header(t, wiki, types.HeaderPage, baseTime, "p"))
	require.NoError(t, err)

	mock.Add(MaxStreamAge + time.Hour)
	crit := []types.TrustCriterion{{Signers: []string{alice.id()}, Links: []types.Link{messages, wiki}}}
	store.Collect(crit)

	require.Empty(t, store.GetHeaders(messages))
	require.Len(t, store.GetHeaders(wiki), 1)
}

func TestCollectSamplingFollowsSeed(t *testing.T) {
	l := link(types.LinkSection, "plaza")
	var hs []*types.Header
	for i := 0; i < maxUntrustedSigners+8; i++ {
		s := newSigner(t, fmt.Sprintf("anon%d", i))
		hs = append(hs, s.header(t, l, types.HeaderProfile, baseTime, s.nickname))
	}
	survivors := func(seed uint64) map[string]bool {
		mock := clock.NewMock()
		mock.Set(baseTime)
		store := New(WithClock(mock), WithRand(mrand.New(mrand.NewPCG(seed, seed+1))))
		for _, h := range hs {
			_, err := store.SetHeader(h)
			require.NoError(t, err)
		}
		store.Collect(nil)
		kept := make(map[string]bool)
		for _, h := range store.GetHeadersByType(l, types.HeaderProfile) {
			kept[h.Signer()] = true
		}
		require.Len(t, kept, maxUntrustedSigners)
		return kept
	}

	require.Equal(t, survivors(7), survivors(7))
	require.NotEqual(t, survivors(7), survivors(8))
}

func TestStreamMaxAgeFollowsMessageKinds(t *testing.T) {
	require.Equal(t, MaxStreamAge, streamMaxAge(types.LinkChat, types.HeaderMessage))
	require.Equal(t, MaxStreamAge, streamMaxAge(types.LinkMail, types.HeaderMailMessage))
	require.Zero(t, streamMaxAge(types.LinkDocument, types.HeaderPage))
}
