// Package narrow parses and applies message filters ("narrows").
//
// A narrow is a conjunctive list of operator/operand pairs such as
// [["stream","Verona"],["search","\"noon\""]]. Operators are a closed set; each parses into
// a typed Term and is applied through a type switch.
package narrow

import (
	"fmt"
	"strconv"
	"strings"

	"courier/cmd/internal/chat"
)

// Operator names a narrow operator.
type Operator string

const (
	OpIs     Operator = "is"
	OpStream Operator = "stream"
	OpTopic  Operator = "topic"
	OpSender Operator = "sender"
	OpID     Operator = "id"
	OpPMWith Operator = "pm-with"
	OpNear   Operator = "near"
	OpSearch Operator = "search"
)

var operatorAliases = map[string]Operator{
	"is":       OpIs,
	"stream":   OpStream,
	"topic":    OpTopic,
	"subject":  OpTopic,
	"instance": OpTopic,
	"sender":   OpSender,
	"id":       OpID,
	"pm-with":  OpPMWith,
	"near":     OpNear,
	"search":   OpSearch,
}

// IsOperand is the closed set of "is:" values.
type IsOperand string

const (
	IsPrivate   IsOperand = "private"
	IsStarred   IsOperand = "starred"
	IsMentioned IsOperand = "mentioned"
	IsRead      IsOperand = "read"
	IsUnread    IsOperand = "unread"
)

// Term is one parsed narrow element.
type Term interface {
	Operator() Operator
}

type (
	IsTerm     struct{ What IsOperand }
	StreamTerm struct{ Name string }
	TopicTerm  struct{ Topic string }
	SenderTerm struct{ Email string }
	IDTerm     struct{ ID int64 }
	PMWithTerm struct{ Emails []string }
	NearTerm   struct{ ID int64 }
	SearchTerm struct{ Needles []string }
)

func (IsTerm) Operator() Operator     { return OpIs }
func (StreamTerm) Operator() Operator { return OpStream }
func (TopicTerm) Operator() Operator  { return OpTopic }
func (SenderTerm) Operator() Operator { return OpSender }
func (IDTerm) Operator() Operator     { return OpID }
func (PMWithTerm) Operator() Operator { return OpPMWith }
func (NearTerm) Operator() Operator   { return OpNear }
func (SearchTerm) Operator() Operator { return OpSearch }

// BadNarrowOperatorError reports an operator outside the closed set.
type BadNarrowOperatorError struct {
	Operator string
}

func (e BadNarrowOperatorError) Error() string {
	return fmt.Sprintf("invalid narrow operator: unknown operator %q", e.Operator)
}
func (BadNarrowOperatorError) Code() string            { return "bad_narrow_operator" }
func (BadNarrowOperatorError) Category() chat.Category { return chat.CategoryValidation }

// BadNarrowOperandError reports an operand the operator cannot accept.
type BadNarrowOperandError struct {
	Operator string
	Operand  string
	Reason   string
}

func (e BadNarrowOperandError) Error() string {
	return fmt.Sprintf("invalid narrow operand for %q: %q: %s", e.Operator, e.Operand, e.Reason)
}
func (BadNarrowOperandError) Code() string            { return "bad_narrow_operand" }
func (BadNarrowOperandError) Category() chat.Category { return chat.CategoryValidation }

// Pair is one raw [operator, operand] element.
type Pair struct {
	Operator string
	Operand  string
}

// Parse validates raw pairs into typed terms.
func Parse(pairs []Pair) ([]Term, error) {
	out := make([]Term, 0, len(pairs))
	for _, p := range pairs {
		t, err := parseTerm(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseLists accepts the wire form, a list of two-element string lists.
func ParseLists(raw [][]string) ([]Term, error) {
	pairs := make([]Pair, 0, len(raw))
	for _, el := range raw {
		if len(el) != 2 {
			return nil, BadNarrowOperandError{Operator: strings.Join(el, ","), Reason: "expected [operator, operand]"}
		}
		pairs = append(pairs, Pair{Operator: el[0], Operand: el[1]})
	}
	return Parse(pairs)
}

func parseTerm(p Pair) (Term, error) {
	op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(p.Operator))]
	if !ok {
		return nil, BadNarrowOperatorError{Operator: p.Operator}
	}
	operand := strings.TrimSpace(p.Operand)
	bad := func(reason string) error {
		return BadNarrowOperandError{Operator: string(op), Operand: p.Operand, Reason: reason}
	}

	switch op {
	case OpIs:
		switch w := IsOperand(strings.ToLower(operand)); w {
		case IsPrivate, IsStarred, IsMentioned, IsRead, IsUnread:
			return IsTerm{What: w}, nil
		default:
			return nil, bad("expected private, starred, mentioned, read or unread")
		}
	case OpStream:
		if operand == "" {
			return nil, bad("empty stream name")
		}
		return StreamTerm{Name: operand}, nil
	case OpTopic:
		if operand == "" {
			return nil, bad("empty topic")
		}
		return TopicTerm{Topic: operand}, nil
	case OpSender:
		if !strings.Contains(operand, "@") {
			return nil, bad("expected an email")
		}
		return SenderTerm{Email: chat.NormalizeEmail(operand)}, nil
	case OpID, OpNear:
		id, err := strconv.ParseInt(operand, 10, 64)
		if err != nil || id <= 0 {
			return nil, bad("expected a positive message id")
		}
		if op == OpID {
			return IDTerm{ID: id}, nil
		}
		return NearTerm{ID: id}, nil
	case OpPMWith:
		var emails []string
		for _, e := range strings.Split(operand, ",") {
			if e = strings.TrimSpace(e); e != "" {
				if !strings.Contains(e, "@") {
					return nil, bad("expected a comma-separated list of emails")
				}
				emails = append(emails, e)
			}
		}
		if len(emails) == 0 {
			return nil, bad("expected a comma-separated list of emails")
		}
		return PMWithTerm{Emails: emails}, nil
	case OpSearch:
		needles := Tokenize(operand)
		if len(needles) == 0 {
			return nil, bad("empty search")
		}
		return SearchTerm{Needles: needles}, nil
	}
	return nil, BadNarrowOperatorError{Operator: p.Operator}
}
