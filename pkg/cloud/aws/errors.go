package aws

import (
	"context"
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

var errorKinds = map[string]cloud.Kind{
	"NotFound":                   cloud.KindNotFound,
	"NoSuchBucket":               cloud.KindNotFound,
	"NoSuchKey":                  cloud.KindNotFound,
	"NoSuchEntity":               cloud.KindNotFound,
	"InvalidInstanceID.NotFound": cloud.KindNotFound,

	"BucketAlreadyOwnedByYou": cloud.KindConflict,
	"EntityAlreadyExists":     cloud.KindConflict,
	"IncorrectInstanceState":  cloud.KindConflict,
	"DeleteConflict":          cloud.KindConflict,

	// Another account owns the name; retrying cannot help.
	"BucketAlreadyExists":         cloud.KindBadRequest,
	"InvalidBucketName":           cloud.KindBadRequest,
	"AccessDenied":                cloud.KindBadRequest,
	"UnauthorizedOperation":       cloud.KindBadRequest,
	"ValidationError":             cloud.KindBadRequest,
	"InvalidParameterValue":       cloud.KindBadRequest,
	"InvalidParameterCombination": cloud.KindBadRequest,
	"MalformedPolicyDocument":     cloud.KindBadRequest,
	"IdempotentParameterMismatch": cloud.KindBadRequest,
	"InvalidAMIID.NotFound":       cloud.KindBadRequest,
	"LimitExceeded":               cloud.KindBadRequest,

	"Throttling":               cloud.KindThrottled,
	"ThrottlingException":      cloud.KindThrottled,
	"RequestLimitExceeded":     cloud.KindThrottled,
	"SlowDown":                 cloud.KindThrottled,
	"TooManyRequestsException": cloud.KindThrottled,

	"InternalError":      cloud.KindServerError,
	"InternalFailure":    cloud.KindServerError,
	"ServiceUnavailable": cloud.KindServerError,
	"ServiceFailure":     cloud.KindServerError,
	"Unavailable":        cloud.KindServerError,
	"OperationAborted":   cloud.KindServerError,
}

// classify converts an SDK error into a *cloud.Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *cloud.Error
	if errors.As(err, &ce) {
		return err
	}
	return cloud.NewError(kindOf(err), providerName, op, err)
}

func kindOf(err error) cloud.Kind {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if kind, ok := errorKinds[ae.ErrorCode()]; ok {
			return kind
		}
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch code := re.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return cloud.KindNotFound
		case code == http.StatusConflict:
			return cloud.KindConflict
		case code == http.StatusTooManyRequests:
			return cloud.KindThrottled
		case code >= 500:
			return cloud.KindServerError
		case code >= 400:
			return cloud.KindBadRequest
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return cloud.KindTimeout
	}
	return cloud.KindUnknown
}

// call runs one SDK call under telemetry and classifies its error.
func call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return classify(op, telemetry.RecordCloudOperation(ctx, providerName, op, fn))
}
