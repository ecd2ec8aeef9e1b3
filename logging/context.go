package logging

import (
	"context"

	"go.viam.com/utils"
)

type debugPeerKey struct{}

// EnableDebugMode marks ctx so that CDebug calls made with it log regardless of level. The peer
// tag is attached to those lines; an empty tag is replaced with a random one.
func EnableDebugMode(ctx context.Context, peer string) context.Context {
	if peer == "" {
		peer = utils.RandomAlphaString(6)
	}
	return context.WithValue(ctx, debugPeerKey{}, peer)
}

// IsDebugMode reports whether ctx was marked by EnableDebugMode.
func IsDebugMode(ctx context.Context) bool {
	return DebugPeer(ctx) != ""
}

// DebugPeer returns the tag passed to EnableDebugMode, or "".
func DebugPeer(ctx context.Context) string {
	peer, _ := ctx.Value(debugPeerKey{}).(string)
	return peer
}
