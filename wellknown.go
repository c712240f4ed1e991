package gcoap

import "strings"

// WellKnownCorePath is the standard CoRE discovery path, RFC 6690
// section 4.
const WellKnownCorePath = "/.well-known/core"

// WellKnownCoreResource returns a Resource answering GET /.well-known/core
// with a CoRE Link Format (RFC 6690) listing of every resource registered
// on listeners, the same content gcoap_get_resource_list assembles by
// walking the endpoint's listener list.
func WellKnownCoreResource(listeners func() *Listener) Resource {
	return Resource{
		Path:    WellKnownCorePath,
		Methods: MethodGet,
		Handler: func(buf []byte, req *Packet, e *Engine) (int, error) {
			head := listeners()

			// First pass: size the rendered listing without allocating
			// it, so an oversized listing can be rejected before any
			// encoding work -- the same two-pass shape
			// gcoap_get_resource_list uses to size its output ahead of
			// writing it into a fixed buffer.
			needed := linkFormatLen(head)
			if needed > len(buf) {
				return 0, ErrBufferTooSmall
			}

			payload := make([]byte, 0, needed)
			payload = appendLinkFormat(payload, head)

			resp := e.RespInit(req, CodeContent)
			resp.ContentFormat = ContentFormatLinkFormat
			return resp.Finish(buf, payload)
		},
	}
}

// RegisterWellKnownCore registers the standard /.well-known/core discovery
// resource, listing every other resource registered on e.
func (e *Engine) RegisterWellKnownCore() {
	e.RegisterListener(&Listener{
		Resources: []Resource{WellKnownCoreResource(func() *Listener { return e.listenersHead })},
	})
}

// ownsWellKnownCore reports whether l is the listener gcoap itself
// registered to answer /.well-known/core. That listener is skipped when
// enumerating resources into the link-format listing, the same way
// gcoap.c skips the first listener -- gcoap itself -- "we skip
// /.well-known/core" when walking its listener list.
func ownsWellKnownCore(l *Listener) bool {
	for i := range l.Resources {
		if l.Resources[i].Path == WellKnownCorePath {
			return true
		}
	}
	return false
}

// linkFormatLen computes the exact length appendLinkFormat would produce,
// without allocating or writing it.
func linkFormatLen(head *Listener) int {
	n := 0
	first := true
	for l := head; l != nil; l = l.next {
		if ownsWellKnownCore(l) {
			continue
		}
		for i := range l.Resources {
			r := &l.Resources[i]
			if !first {
				n++ // ","
			}
			first = false
			n += 2 + len(r.Path) // "<" + path + ">"
			if l.LinkEncoder != nil {
				n += len(l.LinkEncoder(r))
			}
		}
	}
	return n
}

// appendLinkFormat renders head's resources as a CoRE Link Format listing,
// one comma-separated link-value per resource, appending to dst. The
// listener owning /.well-known/core is skipped, so the listing never
// includes itself.
func appendLinkFormat(dst []byte, head *Listener) []byte {
	var b strings.Builder
	b.Grow(len(dst))
	first := true
	for l := head; l != nil; l = l.next {
		if ownsWellKnownCore(l) {
			continue
		}
		for i := range l.Resources {
			r := &l.Resources[i]
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteByte('<')
			b.WriteString(r.Path)
			b.WriteByte('>')
			if l.LinkEncoder != nil {
				b.WriteString(l.LinkEncoder(r))
			}
		}
	}
	return append(dst, b.String()...)
}
