// Package gqlparseradapter is a reference transport.Engine implementation
// built on vektah/gqlparser/v2, so the module is runnable end to end
// without requiring a host application to bring its own GraphQL stack.
// It is deliberately minimal: field resolvers are plain Go functions
// keyed by "Type.field", grounded on getmockd-mockd's pkg/graphql
// executor/subscription shape, generalized from its resolver-config
// model down to direct function resolvers.
package gqlparseradapter

import (
	"context"
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/graphql-sse/gqlsse/transport"
)

// FieldResolver resolves one query or mutation field.
type FieldResolver func(ctx context.Context, args map[string]any) (any, error)

// SubscriptionSource starts a subscription field, returning a channel of
// published values closed when the subscription completes, and a stop
// function releasing any resources early.
type SubscriptionSource func(ctx context.Context, args map[string]any) (values <-chan any, stop func(), err error)

// Schema bundles a parsed SDL document with the resolvers that answer
// its Query/Mutation/Subscription fields.
type Schema struct {
	ast           *ast.Schema
	queries       map[string]FieldResolver
	mutations     map[string]FieldResolver
	subscriptions map[string]SubscriptionSource
}

// NewSchema parses sdl and returns an empty Schema ready for resolver
// registration via Query/Mutation/Subscription.
func NewSchema(sdl string) (*Schema, error) {
	parsed, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("gqlparseradapter: load schema: %w", err)
	}
	return &Schema{
		ast:           parsed,
		queries:       make(map[string]FieldResolver),
		mutations:     make(map[string]FieldResolver),
		subscriptions: make(map[string]SubscriptionSource),
	}, nil
}

// Query registers the resolver for a top-level Query field.
func (s *Schema) Query(field string, r FieldResolver) *Schema { s.queries[field] = r; return s }

// Mutation registers the resolver for a top-level Mutation field.
func (s *Schema) Mutation(field string, r FieldResolver) *Schema { s.mutations[field] = r; return s }

// Subscription registers the source for a top-level Subscription field.
func (s *Schema) Subscription(field string, src SubscriptionSource) *Schema {
	s.subscriptions[field] = src
	return s
}

// Engine adapts a Schema to transport.Engine.
type Engine struct {
	Schema *Schema
}

// New returns an Engine serving schema.
func New(schema *Schema) *Engine { return &Engine{Schema: schema} }

func (e *Engine) Parse(query string) (transport.Document, error) {
	doc, errs := gqlparser.LoadQuery(e.Schema.ast, query)
	if errs != nil {
		return nil, errs
	}
	return doc, nil
}

func (e *Engine) Validate(_ any, doc transport.Document) []transport.GraphQLError {
	qd, ok := doc.(*ast.QueryDocument)
	if !ok {
		return []transport.GraphQLError{{Message: "gqlparseradapter: not a parsed document"}}
	}
	errs := validator.Validate(e.Schema.ast, qd)
	if len(errs) == 0 {
		return nil
	}
	out := make([]transport.GraphQLError, len(errs))
	for i, err := range errs {
		out[i] = transport.GraphQLError{Message: err.Message}
	}
	return out
}

func (e *Engine) Kind(doc transport.Document, operationName string) (transport.OperationKind, error) {
	op, err := findOperation(doc, operationName)
	if err != nil {
		return 0, err
	}
	switch op.Operation {
	case ast.Query:
		return transport.OperationQuery, nil
	case ast.Mutation:
		return transport.OperationMutation, nil
	case ast.Subscription:
		return transport.OperationSubscription, nil
	default:
		return 0, fmt.Errorf("gqlparseradapter: unsupported operation type %q", op.Operation)
	}
}

func (e *Engine) Execute(ctx context.Context, args transport.ExecArgs) transport.ExecutionResult {
	op, err := findOperation(args.Document, args.OperationName)
	if err != nil {
		return errResult(err)
	}
	variables, err := decodeVariables(args.Variables)
	if err != nil {
		return errResult(err)
	}

	resolvers := e.Schema.queries
	if op.Operation == ast.Mutation {
		resolvers = e.Schema.mutations
	}

	data := make(map[string]any, len(op.SelectionSet))
	var gqlErrs []transport.GraphQLError
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		alias := fieldAlias(field)
		resolve, ok := resolvers[field.Name]
		if !ok {
			gqlErrs = append(gqlErrs, transport.GraphQLError{Message: fmt.Sprintf("no resolver for field %q", field.Name), Path: []any{alias}})
			continue
		}
		value, rerr := resolve(ctx, fieldArguments(field, variables))
		if rerr != nil {
			gqlErrs = append(gqlErrs, transport.GraphQLError{Message: rerr.Error(), Path: []any{alias}})
			continue
		}
		data[alias] = value
	}

	result := transport.ExecutionResult{}
	if b, merr := encode(data); merr == nil {
		result.Data = b
	}
	if len(gqlErrs) > 0 {
		result.Errors = errorsToPayload(gqlErrs)
	}
	return result
}

func (e *Engine) Subscribe(ctx context.Context, args transport.ExecArgs) (transport.Subscription, error) {
	op, err := findOperation(args.Document, args.OperationName)
	if err != nil {
		return nil, err
	}
	if len(op.SelectionSet) != 1 {
		return nil, fmt.Errorf("gqlparseradapter: subscription operations must select exactly one field")
	}
	field, ok := op.SelectionSet[0].(*ast.Field)
	if !ok {
		return nil, fmt.Errorf("gqlparseradapter: malformed subscription selection")
	}
	src, ok := e.Schema.subscriptions[field.Name]
	if !ok {
		return nil, fmt.Errorf("gqlparseradapter: no subscription source for field %q", field.Name)
	}
	variables, err := decodeVariables(args.Variables)
	if err != nil {
		return nil, err
	}
	values, stop, err := src(ctx, fieldArguments(field, variables))
	if err != nil {
		return nil, err
	}
	alias := fieldAlias(field)
	return &subscription{values: values, stop: stop, alias: alias}, nil
}

type subscription struct {
	values <-chan any
	stop   func()
	alias  string
}

func (s *subscription) Next(ctx context.Context) (transport.ExecutionResult, bool, error) {
	select {
	case v, ok := <-s.values:
		if !ok {
			return transport.ExecutionResult{}, false, nil
		}
		b, err := encode(map[string]any{s.alias: v})
		if err != nil {
			return transport.ExecutionResult{}, false, err
		}
		return transport.ExecutionResult{Data: b}, true, nil
	case <-ctx.Done():
		return transport.ExecutionResult{}, false, ctx.Err()
	}
}

func (s *subscription) Close() error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

func findOperation(doc transport.Document, operationName string) (*ast.OperationDefinition, error) {
	qd, ok := doc.(*ast.QueryDocument)
	if !ok {
		return nil, fmt.Errorf("gqlparseradapter: not a parsed document")
	}
	for _, op := range qd.Operations {
		if operationName == "" || op.Name == operationName {
			return op, nil
		}
	}
	if operationName != "" {
		return nil, fmt.Errorf("gqlparseradapter: operation %q not found", operationName)
	}
	return nil, fmt.Errorf("gqlparseradapter: no operation in document")
}

func fieldAlias(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

func fieldArguments(f *ast.Field, variables map[string]any) map[string]any {
	args := make(map[string]any, len(f.Arguments))
	for _, arg := range f.Arguments {
		args[arg.Name] = resolveValue(arg.Value, variables)
	}
	return args
}

func resolveValue(v *ast.Value, variables map[string]any) any {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case ast.Variable:
		return variables[v.Raw]
	case ast.NullValue:
		return nil
	case ast.BooleanValue:
		return v.Raw == "true"
	default:
		return v.Raw
	}
}

func errResult(err error) transport.ExecutionResult {
	return transport.ExecutionResult{Errors: errorsToPayload([]transport.GraphQLError{{Message: err.Error()}})}
}
