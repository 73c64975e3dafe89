package ews

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Directory looks up directory entries.
// Session is the network implementation; directory.Static is an in-memory one.
type Directory interface {
	// ResolveName returns the entry for address, or nil when the directory
	// has no such entry. A miss is not an error.
	ResolveName(ctx context.Context, address string) (*Mailbox, error)

	// ExpandList returns the direct members of a list or group, in
	// directory order.
	ExpandList(ctx context.Context, mailbox *Mailbox) ([]*Mailbox, error)
}

// ResolveName resolves address to its directory entry.
// Only the first entry of an ambiguous answer is returned.
func (s *Session) ResolveName(ctx context.Context, address string) (_ *Mailbox, err error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrInvalidAddress
	}

	ctx, endSpan := s.otel.startSpan(ctx, "ews.ResolveName", trace.SpanKindInternal,
		attribute.String("ews.address", address),
	)
	defer func() { endSpan(err) }()

	doc, err := s.Send(ctx, NewResolveNamesRequest(address), s.impersonate)
	if errors.Is(err, ErrNameResolutionNoResults) {
		s.logger.Debug("name not resolved", "address", address)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	el := findElement(doc.Root(), NsTypes, "Mailbox")
	if el == nil {
		return nil, nil
	}
	return NewMailbox(el, nil), nil
}

// ExpandList returns the members of mailbox. Members of a group mailbox
// carry the group in Mailbox.Group.
func (s *Session) ExpandList(ctx context.Context, mailbox *Mailbox) (_ []*Mailbox, err error) {
	if mailbox == nil || mailbox.Address == "" {
		return nil, ErrInvalidAddress
	}

	ctx, endSpan := s.otel.startSpan(ctx, "ews.ExpandList", trace.SpanKindInternal,
		attribute.String("ews.address", mailbox.Address),
		attribute.String("ews.mailbox_type", mailbox.Type.String()),
	)
	defer func() { endSpan(err) }()

	doc, err := s.Send(ctx, NewExpandDLRequest(mailbox.Address), s.impersonate)
	if err != nil {
		return nil, err
	}

	var group *Mailbox
	if mailbox.Type == GroupMailbox {
		group = mailbox
	}
	els := findElements(doc.Root(), NsTypes, "Mailbox")
	members := make([]*Mailbox, 0, len(els))
	for _, el := range els {
		members = append(members, NewMailbox(el, group))
	}
	s.logger.Debug("expanded list", "address", mailbox.Address, "members", len(members))
	return members, nil
}
