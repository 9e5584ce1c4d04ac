package main

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/savaki/outposts-backup/internal/errors"
)

const documentName = "BackupOutpostsServerInstance"

var startTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// mockSSMClient serves executions from memory and records every call
type mockSSMClient struct {
	mu         sync.Mutex
	current    []types.AutomationExecutionMetadata
	pages      [][]types.AutomationExecutionMetadata
	parameters map[string]map[string][]string
	listInputs []*ssm.DescribeAutomationExecutionsInput
	getCalls   []string
	getErrors  map[string]error
	err        error
}

func (m *mockSSMClient) DescribeAutomationExecutions(ctx context.Context, params *ssm.DescribeAutomationExecutionsInput, optFns ...func(*ssm.Options)) (*ssm.DescribeAutomationExecutionsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	if params.Filters[0].Key == types.AutomationExecutionFilterKeyExecutionId {
		return &ssm.DescribeAutomationExecutionsOutput{AutomationExecutionMetadataList: m.current}, nil
	}

	m.listInputs = append(m.listInputs, params)
	page := 0
	if params.NextToken != nil {
		page = int(aws.ToString(params.NextToken)[0] - '0')
	}

	output := &ssm.DescribeAutomationExecutionsOutput{}
	if page < len(m.pages) {
		output.AutomationExecutionMetadataList = m.pages[page]
	}
	if page+1 < len(m.pages) {
		output.NextToken = aws.String(string(rune('0' + page + 1)))
	}
	return output, nil
}

func (m *mockSSMClient) GetAutomationExecution(ctx context.Context, params *ssm.GetAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.GetAutomationExecutionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := aws.ToString(params.AutomationExecutionId)
	m.getCalls = append(m.getCalls, id)
	if err := m.getErrors[id]; err != nil {
		return nil, err
	}

	return &ssm.GetAutomationExecutionOutput{
		AutomationExecution: &types.AutomationExecution{
			AutomationExecutionId: aws.String(id),
			Parameters:            m.parameters[id],
		},
	}, nil
}

func execution(id, target string) types.AutomationExecutionMetadata {
	metadata := types.AutomationExecutionMetadata{
		AutomationExecutionId: aws.String(id),
		DocumentName:          aws.String(documentName),
		ExecutionStartTime:    aws.Time(startTime),
	}
	if target != "" {
		metadata.Target = aws.String(target)
	}
	return metadata
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func TestHandleCheckConcurrency_NoConflict(t *testing.T) {
	client := &mockSSMClient{
		current: []types.AutomationExecutionMetadata{execution("exec-current", "i-111")},
		pages: [][]types.AutomationExecutionMetadata{
			{
				execution("exec-current", "i-111"),
				execution("exec-other", "i-222"),
			},
		},
		parameters: map[string]map[string][]string{
			"exec-other": {"InstanceId": {"i-222"}},
		},
	}

	output, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-current"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !output.Checked || output.InstanceID != "i-111" {
		t.Errorf("unexpected output: %+v", output)
	}

	if len(client.listInputs) != 1 {
		t.Fatalf("expected one list call, got %d", len(client.listInputs))
	}
	filters := map[types.AutomationExecutionFilterKey][]string{}
	for _, filter := range client.listInputs[0].Filters {
		filters[filter.Key] = filter.Values
	}
	if got := filters[types.AutomationExecutionFilterKeyDocumentNamePrefix]; len(got) != 1 || got[0] != documentName {
		t.Errorf("DocumentNamePrefix = %v", got)
	}
	if got := filters[types.AutomationExecutionFilterKeyExecutionStatus]; len(got) != 1 || got[0] != "InProgress" {
		t.Errorf("ExecutionStatus = %v", got)
	}
	if got := filters[types.AutomationExecutionFilterKeyStartTimeBefore]; len(got) != 1 || got[0] != "2026-03-14T09:26:53Z" {
		t.Errorf("StartTimeBefore = %v", got)
	}

	// the current execution is never looked up again
	for _, id := range client.getCalls {
		if id == "exec-current" {
			t.Error("current execution should be skipped")
		}
	}
}

func TestHandleCheckConcurrency_ConflictOnTarget(t *testing.T) {
	client := &mockSSMClient{
		current: []types.AutomationExecutionMetadata{execution("exec-current", "i-111")},
		pages: [][]types.AutomationExecutionMetadata{
			{execution("exec-older", "i-111")},
		},
	}

	_, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-current"})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !stderrors.Is(err, errors.ErrConcurrentExecution) {
		t.Errorf("expected ErrConcurrentExecution, got %v", err)
	}
	want := "There is another execution of this document already in progress for i-111 with id exec-older"
	if !strings.HasPrefix(err.Error(), want) {
		t.Errorf("error = %q, want prefix %q", err.Error(), want)
	}
	if len(client.getCalls) != 0 {
		t.Errorf("matching target should not require parameter lookups, got %v", client.getCalls)
	}
}

func TestHandleCheckConcurrency_ConflictOnParameter(t *testing.T) {
	client := &mockSSMClient{
		current: []types.AutomationExecutionMetadata{execution("exec-current", "")},
		pages: [][]types.AutomationExecutionMetadata{
			{execution("exec-a", "")},
			{execution("exec-b", ""), execution("exec-c", "")},
		},
		parameters: map[string]map[string][]string{
			"exec-current": {"InstanceId": {"i-333"}},
			"exec-a":       {"InstanceId": {"i-999"}},
			"exec-b":       {"InstanceId": {"i-333"}},
			"exec-c":       {"InstanceId": {"i-333"}},
		},
	}

	_, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-current"})
	if !stderrors.Is(err, errors.ErrConcurrentExecution) {
		t.Fatalf("expected ErrConcurrentExecution, got %v", err)
	}
	// first conflict in listing order is reported
	if !strings.Contains(err.Error(), "with id exec-b") {
		t.Errorf("error = %q, want conflict with exec-b", err.Error())
	}
	if len(client.listInputs) != 2 {
		t.Errorf("expected both pages to be listed, got %d calls", len(client.listInputs))
	}
}

func TestHandleCheckConcurrency_ConflictBeforeLookupError(t *testing.T) {
	client := &mockSSMClient{
		current: []types.AutomationExecutionMetadata{execution("exec-current", "i-111")},
		pages: [][]types.AutomationExecutionMetadata{
			{execution("exec-a", "i-111"), execution("exec-b", "")},
		},
		getErrors: map[string]error{
			"exec-b": &smithy.GenericAPIError{Code: "AutomationExecutionNotFoundException", Message: "gone"},
		},
	}

	_, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-current"})
	if !stderrors.Is(err, errors.ErrConcurrentExecution) {
		t.Fatalf("expected ErrConcurrentExecution, got %v", err)
	}
	if !strings.Contains(err.Error(), "with id exec-a") {
		t.Errorf("error = %q, want conflict with exec-a", err.Error())
	}
}

func TestHandleCheckConcurrency_LookupErrorBeforeConflict(t *testing.T) {
	client := &mockSSMClient{
		current: []types.AutomationExecutionMetadata{execution("exec-current", "i-111")},
		pages: [][]types.AutomationExecutionMetadata{
			{execution("exec-a", ""), execution("exec-b", "i-111")},
		},
		getErrors: map[string]error{
			"exec-a": &smithy.GenericAPIError{Code: "AutomationExecutionNotFoundException", Message: "gone"},
		},
	}

	_, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-current"})
	if err == nil {
		t.Fatal("expected error")
	}
	if stderrors.Is(err, errors.ErrConcurrentExecution) {
		t.Errorf("expected lookup error, got conflict %v", err)
	}
	want := "An error occurred when checking concurrent executions: AutomationExecutionNotFoundException:gone"
	if !strings.HasPrefix(err.Error(), want) {
		t.Errorf("error = %q, want prefix %q", err.Error(), want)
	}
}

func TestHandleCheckConcurrency_NoInstance(t *testing.T) {
	client := &mockSSMClient{
		current: []types.AutomationExecutionMetadata{execution("exec-current", "")},
	}

	output, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-current"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output.Checked {
		t.Error("expected check to be skipped")
	}
	if len(client.listInputs) != 0 {
		t.Error("executions should not be listed without an instance")
	}
}

func TestHandleCheckConcurrency_ExecutionNotFound(t *testing.T) {
	client := &mockSSMClient{}

	_, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-missing"})
	if !stderrors.Is(err, errors.ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestHandleCheckConcurrency_MissingExecutionID(t *testing.T) {
	_, err := NewHandler(&mockSSMClient{}).HandleCheckConcurrency(testContext(), &Input{})
	if !stderrors.Is(err, errors.ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestHandleCheckConcurrency_APIError(t *testing.T) {
	client := &mockSSMClient{
		err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"},
	}

	_, err := NewHandler(client).HandleCheckConcurrency(testContext(), &Input{ExecutionID: "exec-current"})
	if err == nil {
		t.Fatal("expected error")
	}
	want := "An error occurred when checking concurrent executions: AccessDeniedException:not authorized"
	if !strings.HasPrefix(err.Error(), want) {
		t.Errorf("error = %q, want prefix %q", err.Error(), want)
	}
}
