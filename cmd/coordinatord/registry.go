package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cachebash/coordinator/internal/auth"
	"github.com/cachebash/coordinator/internal/dispatch"
	"github.com/cachebash/coordinator/internal/dream"
	"github.com/cachebash/coordinator/internal/model"
	"github.com/cachebash/coordinator/internal/pulse"
	"github.com/cachebash/coordinator/internal/relay"
	"github.com/cachebash/coordinator/internal/signal"
	"github.com/cachebash/coordinator/internal/tool"
)

// registerTools wires every coordination-kernel operation into the flat
// tool registry shared by both transports. Each handler does nothing but
// shape args/results; all behavior lives in the module methods.
func registerTools(r *tool.Registry, dispatchM *dispatch.Module, relayM *relay.Module, pulseM *pulse.Module, signalM *signal.Module, dreamM *dream.Module) {
	r.Register("create_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		taskType := model.TaskType(strDefault(args, "type", string(model.TaskTypeTask)))
		a := dispatch.CreateTaskArgs{
			Envelope: model.Envelope{
				Source:   ac.ProgramID,
				Target:   str(args, "target"),
				Priority: model.Priority(strDefault(args, "priority", string(model.PriorityNormal))),
				Action:   model.Action(strDefault(args, "action", string(model.ActionQueue))),
				ReplyTo:  str(args, "replyTo"),
				ThreadID: str(args, "threadId"),
				TraceID:  str(args, "traceId"),
				SpanID:   str(args, "spanId"),
			},
			Type:         taskType,
			Title:        str(args, "title"),
			Instructions: str(args, "instructions"),
			Context:      str(args, "context"),
			BlockedBy:    strSlice(args, "blockedBy"),
			Block:        blockFromArgs(taskType, args),
		}
		id, err := dispatchM.CreateTask(ctx, ac, a)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]string{"id": id, "title": a.Title, "status": string(model.StatusCreated)}}, nil
	})

	r.Register("get_tasks", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		f := dispatch.TaskFilters{
			Target:   str(args, "target"),
			Status:   model.Status(str(args, "status")),
			Type:     model.TaskType(str(args, "type")),
			Priority: model.Priority(str(args, "priority")),
		}
		tasks, err := dispatchM.GetTasks(ctx, ac, f)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: tasks}, nil
	})

	r.Register("claim_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		result, err := dispatchM.ClaimTask(ctx, ac, str(args, "taskId"), str(args, "sessionId"))
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]interface{}{
			"outcome":      result.Outcome,
			"currentOwner": result.CurrentOwner,
		}}, nil
	})

	r.Register("complete_task", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		success := args["outcome"] != "failed"
		tokensIn, _ := toInt64(args["tokensIn"])
		tokensOut, _ := toInt64(args["tokensOut"])
		costUSD, _ := toFloat64(args["costUsd"])
		err := dispatchM.CompleteTask(ctx, ac, str(args, "taskId"), success, tokensIn, tokensOut, costUSD, str(args, "parentDreamId"))
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]string{"status": "ok"}}, nil
	})

	r.Register("send_message", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		ttl, _ := toInt64(args["ttl"])
		a := relay.SendMessageArgs{
			Envelope: model.Envelope{
				Source:   ac.ProgramID,
				Target:   str(args, "target"),
				Priority: model.Priority(strDefault(args, "priority", string(model.PriorityNormal))),
				Action:   model.Action(strDefault(args, "action", string(model.ActionQueue))),
			},
			MessageType: model.MessageType(strDefault(args, "message_type", string(model.MessageDirective))),
			Payload:     str(args, "payload"),
			SessionID:   str(args, "sessionId"),
			TTLSeconds:  ttl,
		}
		ids, err := relayM.SendMessage(ctx, ac, a)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]interface{}{"ids": ids}}, nil
	})

	r.Register("get_messages", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		since, _ := toTime(args["since"])
		includeDelivered := args["includeDelivered"] == true || args["includeDelivered"] == "true"
		msgs, err := relayM.GetMessages(ctx, ac, str(args, "sessionId"), since, includeDelivered)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: msgs}, nil
	})

	r.Register("create_session", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		a := pulse.CreateSessionArgs{
			ID:        str(args, "id"),
			ProgramID: strDefault(args, "programId", ac.ProgramID),
			Name:      str(args, "name"),
		}
		sess, err := pulseM.CreateSession(ctx, ac, a)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: sess}, nil
	})

	r.Register("update_session", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		progress, _ := toFloat64(args["progress"])
		a := pulse.UpdateSessionArgs{
			SessionID:     str(args, "sessionId"),
			CurrentAction: str(args, "currentAction"),
			Progress:      progress,
			Status:        model.Status(str(args, "status")),
			BootStep:      str(args, "bootStep"),
			Journaled:     args["journaled"] == true,
		}
		if err := pulseM.UpdateSession(ctx, ac, a); err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]string{"status": "ok"}}, nil
	})

	r.Register("list_sessions", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		f := pulse.ListSessionsFilters{
			ProgramID: strDefault(args, "programId", ac.ProgramID),
			Status:    model.Status(str(args, "status")),
		}
		sessions, err := pulseM.ListSessions(ctx, ac, f)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: sessions}, nil
	})

	r.Register("ask_question", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		a := signal.AskQuestionArgs{
			Envelope: model.Envelope{
				Source:   ac.ProgramID,
				Target:   str(args, "target"),
				Priority: model.PriorityNormal,
				Action:   model.ActionQueue,
			},
			Question: str(args, "question"),
		}
		id, err := signalM.AskQuestion(ctx, ac, a)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]string{"questionId": id}}, nil
	})

	r.Register("get_response", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		status, response, err := signalM.GetResponse(ctx, ac, str(args, "questionId"))
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]interface{}{
			"questionId": str(args, "questionId"),
			"answered":   status == model.StatusDone,
			"response":   response,
		}}, nil
	})

	r.Register("send_alert", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		relayID, taskID, err := signalM.SendAlert(ctx, ac, str(args, "message"), signal.AlertType(strDefault(args, "severity", "info")))
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]string{"relayId": relayID, "taskId": taskID}}, nil
	})

	r.Register("dream_peek", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		dreams, err := dreamM.Peek(ctx, ac)
		if err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: dreams}, nil
	})

	r.Register("dream_activate", func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (tool.Result, error) {
		if err := dreamM.Activate(ctx, ac, str(args, "dreamId")); err != nil {
			return tool.Result{}, err
		}
		return tool.Result{Data: map[string]string{"status": "active"}}, nil
	})
}

func str(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func strSlice(args map[string]interface{}, key string) []string {
	arr, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// blockFromArgs builds the type-specific sub-block from the matching
// args sub-object ("dream", "question", "sprint").
func blockFromArgs(t model.TaskType, args map[string]interface{}) model.TypeBlock {
	sub := func(key string) map[string]interface{} {
		m, _ := args[key].(map[string]interface{})
		return m
	}
	switch t {
	case model.TaskTypeDream:
		d := sub("dream")
		if d == nil {
			return nil
		}
		capUSD, _ := toFloat64(d["budget_cap_usd"])
		timeoutHours, _ := toFloat64(d["timeout_hours"])
		return &model.DreamBlock{
			Agent:        str(d, "agent"),
			BudgetCapUSD: capUSD,
			TimeoutHours: timeoutHours,
			Branch:       str(d, "branch"),
		}
	case model.TaskTypeQuestion:
		q := sub("question")
		if q == nil {
			return nil
		}
		return &model.QuestionBlock{
			Question:      str(q, "question"),
			ResponseField: str(q, "responseField"),
		}
	case model.TaskTypeSprint:
		s := sub("sprint")
		if s == nil {
			return nil
		}
		points, _ := toInt64(s["velocityPoints"])
		return &model.SprintBlock{
			Goal:       str(s, "goal"),
			StoryIDs:   strSlice(s, "storyIds"),
			VelocityPt: int(points),
		}
	}
	return nil
}

func strDefault(args map[string]interface{}, key, fallback string) string {
	if v := str(args, key); v != "" {
		return v
	}
	return fallback
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err
	default:
		return 0, nil
	}
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339, t)
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, nil
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case string:
		var out float64
		_, err := fmt.Sscanf(n, "%f", &out)
		return out, err
	default:
		return 0, nil
	}
}
