package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// The task store is a JSON document {"tasks":[...]} held as the string
// value of a designated twin property. Reads and writes always move the
// whole list, so a mutation can never leave a partial update behind.

type taskEnvelope struct {
	Tasks []json.RawMessage `json:"tasks"`
}

// GetTaskList reads the full task list from the task-store property. A
// missing property or empty value yields an empty list.
func (c *Client) GetTaskList(ctx context.Context, submodelID, propertyPath string) ([]json.RawMessage, error) {
	v, err := c.GetPropertyValue(ctx, submodelID, propertyPath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	var env taskEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return env.Tasks, nil
}

// PutTaskList rewrites the whole task list.
func (c *Client) PutTaskList(ctx context.Context, submodelID, propertyPath string, tasks []json.RawMessage) error {
	if tasks == nil {
		tasks = []json.RawMessage{}
	}
	b, err := json.Marshal(taskEnvelope{Tasks: tasks})
	if err != nil {
		return fmt.Errorf("encode task list: %w", err)
	}
	return c.SetPropertyValue(ctx, submodelID, propertyPath, string(b))
}

// AppendTask reads the list, appends one task, and writes it back.
func (c *Client) AppendTask(ctx context.Context, submodelID, propertyPath string, task json.RawMessage) error {
	tasks, err := c.GetTaskList(ctx, submodelID, propertyPath)
	if err != nil {
		return err
	}
	return c.PutTaskList(ctx, submodelID, propertyPath, append(tasks, task))
}
