package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/keys"
)

const (
	// HeaderIdentity 调用者的ed25519公钥，十六进制
	HeaderIdentity = "X-Poll-Identity"
	// HeaderSignature 请求签名，十六进制
	HeaderSignature = "X-Poll-Signature"

	// AuthModeSignature 校验请求签名
	AuthModeSignature = "signature"
	// AuthModeHeader 直接信任身份头，仅用于开发和测试
	AuthModeHeader = "header"

	identityKey = "poll_identity"
	maxBodySize = 64 << 10
)

// IdentityMiddleware 解析调用者身份，失败时返回401
func IdentityMiddleware(mode string) gin.HandlerFunc {
	if mode != AuthModeHeader {
		mode = AuthModeSignature
	}

	return func(c *gin.Context) {
		id, err := keys.ParseIdentity(c.GetHeader(HeaderIdentity))
		if err != nil || id.IsZero() {
			abortUnauthorized(c, "missing or malformed "+HeaderIdentity+" header")
			return
		}

		if mode == AuthModeSignature {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
			if err != nil {
				abortUnauthorized(c, "failed to read request body")
				return
			}
			// 还原请求体供后续绑定
			c.Request.Body = io.NopCloser(bytes.NewReader(body))

			sig := c.GetHeader(HeaderSignature)
			if err := keys.VerifyRequest(id, sig, c.Request.Method, c.Request.URL.RequestURI(), body); err != nil {
				log.Debug().Str("identity", id.String()).Str("uri", c.Request.URL.RequestURI()).Msg("请求签名校验失败")
				abortUnauthorized(c, err.Error())
				return
			}
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// CallerIdentity 返回中间件解析出的调用者身份
func CallerIdentity(c *gin.Context) (keys.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return keys.Identity{}, false
	}
	id, ok := v.(keys.Identity)
	return id, ok
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  "Unauthorized",
	})
}
