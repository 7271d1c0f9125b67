// Package executor runs parsed GraphQL operations against the typed
// operation surface in resolver.Operations.
//
// Parsing and validation are delegated to gqlparser; this package only
// dispatches root fields, completes values for the fixed object types of the
// libris schema, and shapes located errors. Subscriptions are not executed
// here: the transport upgrades them to a session-backed stream and uses
// CompleteEvent for each delivered book.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/hanpama/libris/internal/apierr"
	"github.com/hanpama/libris/internal/domain"
	"github.com/hanpama/libris/internal/resolver"
)

// Executor executes query and mutation operations.
type Executor struct {
	schema *ast.Schema
	ops    resolver.Operations
}

// New creates an Executor bound to schema and ops.
func New(ops resolver.Operations, schema *ast.Schema) *Executor {
	return &Executor{schema: schema, ops: ops}
}

// Response is the GraphQL-spec response envelope.
type Response struct {
	Data   map[string]any `json:"data"`
	Errors []*Error       `json:"errors,omitempty"`
}

// Error is a located GraphQL error with a stable extensions.code.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func errorResponse(errs ...*Error) *Response {
	return &Response{Data: nil, Errors: errs}
}

func fromGqlErrors(list gqlerror.List) *Response {
	out := make([]*Error, len(list))
	for i, ge := range list {
		e := &Error{Message: ge.Message}
		for _, p := range ge.Path {
			e.Path = append(e.Path, p)
		}
		if len(ge.Extensions) > 0 {
			e.Extensions = ge.Extensions
		} else {
			e.Extensions = map[string]any{"code": "GRAPHQL_VALIDATION_FAILED"}
		}
		out[i] = e
	}
	return errorResponse(out...)
}

// fieldError converts a resolver error into a located error, exposing only
// the API error's kind, message and echoed input. Anything else is reported
// as a generic persistence failure so internals never leak.
func fieldError(err error, path ...any) *Error {
	ext := map[string]any{"code": string(apierr.Persistence)}
	message := "internal error"
	if ae, ok := apierr.As(err); ok {
		message = ae.Message
		ext["code"] = string(ae.Kind)
		if ae.InvalidArg != "" {
			ext["invalidArgs"] = ae.InvalidArg
		}
	}
	return &Error{Message: message, Path: path, Extensions: ext}
}

// ExecuteRequest parses, validates, and executes one request. Subscription
// operations are rejected; the websocket transport handles those through
// Subscription().
func (e *Executor) ExecuteRequest(ctx context.Context, query, operationName string, variables map[string]any) *Response {
	doc, op, vars, errResp := e.prepare(query, operationName, variables)
	if errResp != nil {
		return errResp
	}

	switch op.Operation {
	case ast.Query:
		return e.executeSelections(ctx, op.SelectionSet, doc, vars, e.schema.Query.Name, e.dispatchQuery)
	case ast.Mutation:
		return e.executeSelections(ctx, op.SelectionSet, doc, vars, e.schema.Mutation.Name, e.dispatchMutation)
	default:
		return errorResponse(&Error{
			Message:    "subscriptions must be executed over the websocket transport",
			Extensions: map[string]any{"code": string(apierr.Validation)},
		})
	}
}

// SubscriptionRequest is a validated subscription operation. The websocket
// transport holds one per active subscription and completes each delivered
// event against its selection set.
type SubscriptionRequest struct {
	Field *ast.Field
	doc   *ast.QueryDocument
}

// Subscription validates a subscription request and returns it for the
// transport to drive.
func (e *Executor) Subscription(query, operationName string, variables map[string]any) (*SubscriptionRequest, *Response) {
	doc, op, _, errResp := e.prepare(query, operationName, variables)
	if errResp != nil {
		return nil, errResp
	}
	if op.Operation != ast.Subscription {
		return nil, errorResponse(&Error{
			Message:    "expected a subscription operation",
			Extensions: map[string]any{"code": string(apierr.Validation)},
		})
	}
	fields := collectFields(op.SelectionSet, doc, e.schema.Subscription.Name)
	if len(fields) != 1 {
		return nil, errorResponse(&Error{
			Message:    "subscriptions must select exactly one field",
			Extensions: map[string]any{"code": string(apierr.Validation)},
		})
	}
	return &SubscriptionRequest{Field: fields[0], doc: doc}, nil
}

// CompleteEvent shapes one delivered book for a bookAdded subscriber.
func (e *Executor) CompleteEvent(req *SubscriptionRequest, book domain.Book) *Response {
	key := req.Field.Alias
	if key == "" {
		key = req.Field.Name
	}
	return &Response{Data: map[string]any{
		key: completeBook(book, req.Field.SelectionSet, req.doc),
	}}
}

func (e *Executor) prepare(query, operationName string, variables map[string]any) (*ast.QueryDocument, *ast.OperationDefinition, map[string]any, *Response) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		if list, ok := err.(gqlerror.List); ok {
			return nil, nil, nil, fromGqlErrors(list)
		}
		if ge, ok := err.(*gqlerror.Error); ok {
			return nil, nil, nil, fromGqlErrors(gqlerror.List{ge})
		}
		return nil, nil, nil, errorResponse(&Error{Message: err.Error()})
	}
	if list := validator.Validate(e.schema, doc); len(list) > 0 {
		return nil, nil, nil, fromGqlErrors(list)
	}

	op := doc.Operations.ForName(operationName)
	if op == nil {
		return nil, nil, nil, errorResponse(&Error{
			Message:    fmt.Sprintf("operation %q not found", operationName),
			Extensions: map[string]any{"code": string(apierr.Validation)},
		})
	}

	vars, verr := validator.VariableValues(e.schema, op, variables)
	if verr != nil {
		var ge *gqlerror.Error
		if errors.As(verr, &ge) {
			return nil, nil, nil, fromGqlErrors(gqlerror.List{ge})
		}
		return nil, nil, nil, errorResponse(&Error{
			Message:    verr.Error(),
			Extensions: map[string]any{"code": string(apierr.Validation)},
		})
	}
	return doc, op, vars, nil
}

type rootDispatch func(ctx context.Context, field *ast.Field, vars map[string]any, doc *ast.QueryDocument) (any, error)

// executeSelections resolves each root field in order, recording a located
// error and a null value on failure so sibling fields still resolve
// (partial success).
func (e *Executor) executeSelections(ctx context.Context, sel ast.SelectionSet, doc *ast.QueryDocument, vars map[string]any, rootType string, dispatch rootDispatch) *Response {
	resp := &Response{Data: make(map[string]any)}
	for _, field := range collectFields(sel, doc, rootType) {
		key := field.Alias
		if key == "" {
			key = field.Name
		}
		value, err := dispatch(ctx, field, vars, doc)
		if err != nil {
			resp.Errors = append(resp.Errors, fieldError(err, key))
			resp.Data[key] = nil
			continue
		}
		resp.Data[key] = value
	}
	return resp
}

// collectFields flattens the selection set, resolving fragment spreads and
// inline fragments. Type conditions match when empty or equal to typeName;
// the libris schema has no abstract types, so subtype matching is not needed.
func collectFields(sel ast.SelectionSet, doc *ast.QueryDocument, typeName string) []*ast.Field {
	var out []*ast.Field
	for _, s := range sel {
		switch sel := s.(type) {
		case *ast.Field:
			out = append(out, sel)
		case *ast.InlineFragment:
			if sel.TypeCondition == "" || typeName == "" || sel.TypeCondition == typeName {
				out = append(out, collectFields(sel.SelectionSet, doc, typeName)...)
			}
		case *ast.FragmentSpread:
			def := doc.Fragments.ForName(sel.Name)
			if def == nil {
				continue
			}
			if def.TypeCondition == "" || typeName == "" || def.TypeCondition == typeName {
				out = append(out, collectFields(def.SelectionSet, doc, typeName)...)
			}
		}
	}
	return out
}
