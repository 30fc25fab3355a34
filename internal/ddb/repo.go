// Package ddb provides the DynamoDB invoice repository.
//
// Each invoice is two items: the record under INVOICE#<id> and a reservation
// under INVOICEKEY#<natural key> that points at it. Both are written in one
// transaction conditioned on the reservation not existing, so the natural key
// is unique while every id-keyed read and transition stays strongly consistent.
package ddb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// API is the subset of the DynamoDB client the repository uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Repo wraps a DynamoDB client and table name for invoice operations.
type Repo struct {
	DB    API
	Table string
	Now   func() time.Time
}

// InsertPending reserves the invoice's natural key and writes the pending record.
// It returns models.ErrAlreadyExists when the key is already taken.
func (r *Repo) InsertPending(ctx context.Context, inv models.Invoice) (string, error) {
	if inv.Status == "" {
		inv.Status = models.InvoicePending
	}
	item, err := attributevalue.MarshalMap(toItem(inv))
	if err != nil {
		return "", err
	}
	gpk, gsk := MakeGateKeys(inv.Key())
	gate, err := attributevalue.MarshalMap(gateItem{PK: gpk, SK: gsk, InvoiceID: inv.ID})
	if err != nil {
		return "", err
	}

	_, err = r.DB.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &r.Table,
				Item:                gate,
				ConditionExpression: awsStr("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           &r.Table,
				Item:                item,
				ConditionExpression: awsStr("attribute_not_exists(PK)"),
			}},
		},
		ClientRequestToken: awsStr(inv.ID),
	})
	if err == nil {
		return inv.ID, nil
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			switch aws.ToString(reason.Code) {
			case "ConditionalCheckFailed":
				return "", fmt.Errorf("%w: %s", models.ErrAlreadyExists, inv.Key())
			case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
				return "", fmt.Errorf("insert pending invoice: %w: %w", models.ErrTransientDB, err)
			}
		}
	}
	return "", storeErr("insert pending invoice", err)
}

// Get loads an invoice by id.
func (r *Repo) Get(ctx context.Context, id string) (models.Invoice, error) {
	pk, sk := MakeKeys(id)
	out, err := r.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.Table,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Invoice{}, storeErr("get invoice", err)
	}
	if out.Item == nil {
		return models.Invoice{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	var it invoiceItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return models.Invoice{}, err
	}
	return it.invoice()
}

// GetByNaturalKey resolves the reservation for key and loads the invoice it points at.
func (r *Repo) GetByNaturalKey(ctx context.Context, key models.NaturalKey) (models.Invoice, error) {
	pk, sk := MakeGateKeys(key)
	out, err := r.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.Table,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Invoice{}, storeErr("get invoice reservation", err)
	}
	if out.Item == nil {
		return models.Invoice{}, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	var gate gateItem
	if err := attributevalue.UnmarshalMap(out.Item, &gate); err != nil {
		return models.Invoice{}, err
	}
	return r.Get(ctx, gate.InvoiceID)
}

// MarkGenerated moves a pending invoice to GENERATED with its document reference.
// Repeating the call with the same reference is a no-op.
func (r *Repo) MarkGenerated(ctx context.Context, id, ref string) error {
	old, err := r.transition(ctx, id,
		"SET #s = :to, document_ref = :ref, generated_at = :now",
		"attribute_exists(PK) AND #s = :from",
		map[string]types.AttributeValue{
			":to":   str(string(models.InvoiceGenerated)),
			":from": str(string(models.InvoicePending)),
			":ref":  str(ref),
			":now":  str(formatTime(r.now())),
		})
	if err != nil || old == nil {
		return err
	}
	if stringAttr(old, "status") == string(models.InvoiceGenerated) && stringAttr(old, "document_ref") == ref {
		return nil
	}
	return fmt.Errorf("%w: %s %s -> %s", models.ErrInvalidTransition, id, stringAttr(old, "status"), models.InvoiceGenerated)
}

// MarkFailed moves a pending invoice to FAILED. Only one caller can win this transition.
func (r *Repo) MarkFailed(ctx context.Context, id, reason string) error {
	old, err := r.transition(ctx, id,
		"SET #s = :to, failure_reason = :reason",
		"attribute_exists(PK) AND #s = :from",
		map[string]types.AttributeValue{
			":to":     str(string(models.InvoiceFailed)),
			":from":   str(string(models.InvoicePending)),
			":reason": str(reason),
		})
	if err != nil || old == nil {
		return err
	}
	return fmt.Errorf("%w: %s %s -> %s", models.ErrInvalidTransition, id, stringAttr(old, "status"), models.InvoiceFailed)
}

// MarkNotified records that the invoice's notification was published.
// An invoice already marked notified is left untouched.
func (r *Repo) MarkNotified(ctx context.Context, id string, at time.Time) error {
	old, err := r.transition(ctx, id,
		"SET notified_at = :at",
		"attribute_exists(PK) AND #s = :from AND attribute_not_exists(notified_at)",
		map[string]types.AttributeValue{
			":from": str(string(models.InvoiceGenerated)),
			":at":   str(formatTime(at)),
		})
	if err != nil || old == nil {
		return err
	}
	if stringAttr(old, "status") == string(models.InvoiceGenerated) && stringAttr(old, "notified_at") != "" {
		return nil
	}
	return fmt.Errorf("%w: %s is %s, not notifiable", models.ErrInvalidTransition, id, stringAttr(old, "status"))
}

// ListStale returns up to limit invoices in status created before olderThan, oldest first.
func (r *Repo) ListStale(ctx context.Context, status models.InvoiceStatus, olderThan time.Time, limit int) ([]models.Invoice, error) {
	return r.queryStatus(ctx, status, olderThan, limit, "")
}

// ListUnnotified returns generated invoices created before olderThan whose notification
// was never recorded.
func (r *Repo) ListUnnotified(ctx context.Context, olderThan time.Time, limit int) ([]models.Invoice, error) {
	return r.queryStatus(ctx, models.InvoiceGenerated, olderThan, limit, "attribute_not_exists(notified_at)")
}

func (r *Repo) queryStatus(ctx context.Context, status models.InvoiceStatus, olderThan time.Time, limit int, filter string) ([]models.Invoice, error) {
	in := &dynamodb.QueryInput{
		TableName:              &r.Table,
		IndexName:              awsStr(StatusIndex),
		KeyConditionExpression: awsStr("#s = :s AND created_at < :t"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": str(string(status)),
			":t": str(formatTime(olderThan)),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if filter != "" {
		in.FilterExpression = awsStr(filter)
	}

	var out []models.Invoice
	for limit <= 0 || len(out) < limit {
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(out)))
		}
		page, err := r.DB.Query(ctx, in)
		if err != nil {
			return nil, storeErr("query invoices by status", err)
		}
		var items []invoiceItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			inv, err := it.invoice()
			if err != nil {
				return nil, fmt.Errorf("invoice %s: %w", it.InvoiceID, err)
			}
			out = append(out, inv)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return out, nil
}

// transition applies a conditional update. On a failed condition it returns the
// item as it was (nil item means not found, reported as ErrNotFound).
func (r *Repo) transition(ctx context.Context, id, update, cond string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	pk, sk := MakeKeys(id)
	_, err := r.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           &r.Table,
		Key:                                 keyOf(pk, sk),
		UpdateExpression:                    awsStr(update),
		ConditionExpression:                 awsStr(cond),
		ExpressionAttributeNames:            map[string]string{"#s": "status"},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return nil, storeErr("update invoice", err)
	}
	if len(ccf.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return ccf.Item, nil
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

var sdkRetryable = awsretry.IsErrorRetryables(awsretry.DefaultRetryables)

// storeErr wraps a DynamoDB failure. Client faults stay plain unless the SDK
// would retry them (throttling); everything else is marked transient.
func storeErr(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient && sdkRetryable.IsErrorRetryable(err) != aws.TrueTernary {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrTransientDB, err)
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": str(pk), "SK": str(sk)}
}

func str(s string) types.AttributeValue { return &types.AttributeValueMemberS{Value: s} }

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// awsStr is a helper to get a pointer to a string literal.
func awsStr(s string) *string { return &s }
