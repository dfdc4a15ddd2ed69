package dynamo

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/marrowkit/marrow/db"
)

// Property values that have no native DynamoDB representation are wrapped in
// single-entry maps carrying a marker attribute. The markers are part of the
// stored format.
const (
	markerKey       = "__key__"
	markerTime      = "__time__"
	markerEntity    = "__entity__"
	markerEntityKey = "__entity_key__"
)

func encodeProps(entity *db.Entity) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(entity.Props))
	for name, value := range entity.Props {
		av, err := encodeValue(value)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		out[name] = av
	}
	return out, nil
}

func encodeValue(value any) (types.AttributeValue, error) {
	switch v := value.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: v}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: v}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'g', -1, 64)}, nil
	case *db.Key:
		return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			markerKey: &types.AttributeValueMemberS{Value: v.Encode()},
		}}, nil
	case time.Time:
		return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			markerTime: &types.AttributeValueMemberS{Value: v.UTC().Format(time.RFC3339Nano)},
		}}, nil
	case *db.Entity:
		if v == nil {
			return &types.AttributeValueMemberNULL{Value: true}, nil
		}
		props, err := encodeProps(v)
		if err != nil {
			return nil, err
		}
		wrapped := map[string]types.AttributeValue{
			markerEntity: &types.AttributeValueMemberM{Value: props},
		}
		if v.Key != nil {
			wrapped[markerEntityKey] = &types.AttributeValueMemberS{Value: v.Key.Encode()}
		}
		return &types.AttributeValueMemberM{Value: wrapped}, nil
	case []any:
		items := make([]types.AttributeValue, len(v))
		for i, item := range v {
			av, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = av
		}
		return &types.AttributeValueMemberL{Value: items}, nil
	case []string:
		items := make([]types.AttributeValue, len(v))
		for i, s := range v {
			items[i] = &types.AttributeValueMemberS{Value: s}
		}
		return &types.AttributeValueMemberL{Value: items}, nil
	default:
		return nil, fmt.Errorf("unsupported property type %T", value)
	}
}

func decodeProps(raw map[string]types.AttributeValue) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for name, av := range raw {
		value, err := decodeValue(av)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

func decodeValue(av types.AttributeValue) (any, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberBOOL:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		if !strings.ContainsAny(v.Value, ".eE") {
			if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
				return n, nil
			}
		}
		return strconv.ParseFloat(v.Value, 64)
	case *types.AttributeValueMemberL:
		out := make([]any, len(v.Value))
		for i, item := range v.Value {
			value, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = value
		}
		return out, nil
	case *types.AttributeValueMemberM:
		return decodeWrapped(v.Value)
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", av)
	}
}

func decodeWrapped(wrapped map[string]types.AttributeValue) (any, error) {
	if av, ok := wrapped[markerKey].(*types.AttributeValueMemberS); ok {
		return db.DecodeKey(av.Value)
	}
	if av, ok := wrapped[markerTime].(*types.AttributeValueMemberS); ok {
		return time.Parse(time.RFC3339Nano, av.Value)
	}
	if av, ok := wrapped[markerEntity].(*types.AttributeValueMemberM); ok {
		props, err := decodeProps(av.Value)
		if err != nil {
			return nil, err
		}
		sub := &db.Entity{Props: props}
		if keyAV, ok := wrapped[markerEntityKey].(*types.AttributeValueMemberS); ok {
			sub.Key, err = db.DecodeKey(keyAV.Value)
			if err != nil {
				return nil, err
			}
		}
		return sub, nil
	}
	return nil, fmt.Errorf("map attribute without a type marker")
}
