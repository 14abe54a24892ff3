package grpcserver

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/and161185/fanrelay/internal/model"
)

type ctxKey string

const accountKey ctxKey = "fanrelay.account"

// WithAccount stores the authenticated account in context.
func WithAccount(ctx context.Context, u *model.UserAccount) context.Context {
	return context.WithValue(ctx, accountKey, u)
}

// AccountFromCtx fetches the authenticated account from context.
func AccountFromCtx(ctx context.Context) (*model.UserAccount, bool) {
	u, ok := ctx.Value(accountKey).(*model.UserAccount)
	return u, ok && u != nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
