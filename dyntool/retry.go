// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// RetryPolicy controls backoff for transient DynamoDB errors.  The delay
// before attempt n is BaseDelay << n, capped at MaxDelay.  The zero value
// selects the defaults below.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

const (
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 8
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// delay returns the backoff to apply after failed attempt number attempt
// (counting from zero).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

var throttleCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"LimitExceededException":                 true,
	"RequestLimitExceeded":                   true,
	dynamodb.ErrCodeInternalServerError:      true,
}

// isTransient reports whether err is worth retrying: a throttle, an
// internal service error or a connection-level failure.  Hard errors such
// as validation or missing-table failures are not retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if aerr, ok := err.(awserr.Error); ok {
		if throttleCodes[aerr.Code()] {
			return true
		}
	}
	return request.IsErrorThrottle(err) || request.IsErrorRetryable(err)
}
