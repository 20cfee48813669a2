// ABOUTME: Message types shared by the manager, planner, transport and agents.
// ABOUTME: Goals, agent requests/responses, assigned paths and stamped frame transforms.

package arena

import (
	"fmt"
	"strconv"
	"time"
)

// Topic names used on the bus and exposed over the wire.
const (
	TopicGoals      = "goals"
	TopicAgentPaths = "agent_paths"
	TopicTransforms = "tf"
)

// Position is a goal location in the arena plane with an orientation weight.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
}

func (p Position) String() string {
	return fmt.Sprintf("(x=%g, y=%g, w=%g)", p.X, p.Y, p.W)
}

// AssignedGoal binds a goal position to the agent responsible for reaching it.
type AssignedGoal struct {
	AgentID string   `json:"agent_id"`
	Pos     Position `json:"pos"`
}

// Vector3 is a translation in a frame's coordinate system.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns the component-wise sum of v and o.
func (v Vector3) Add(o Vector3) Vector3 {
	return Vector3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns the component-wise difference v - o.
func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Transform is a rigid offset between two frames. Frames in the arena are
// axis-aligned, so only the translation is carried.
type Transform struct {
	Translation Vector3 `json:"translation"`
}

// TransformStamped is a transform from ParentFrameID to ChildFrameID at Stamp.
type TransformStamped struct {
	Stamp         time.Time `json:"stamp"`
	ParentFrameID string    `json:"parent_frame_id"`
	ChildFrameID  string    `json:"child_frame_id"`
	Transform     Transform `json:"transform"`
}

// AssignedPath is the route computed for one agent, as arena transforms.
type AssignedPath struct {
	AgentID string      `json:"agent_id"`
	Path    []Transform `json:"path"`
}

// AgentPaths is broadcast to every agent; each agent picks its own entry.
type AgentPaths struct {
	AgentPaths []AssignedPath `json:"agent_paths"`
}

// Find returns the first path assigned to agentID.
func (p AgentPaths) Find(agentID string) (AssignedPath, bool) {
	for _, assigned := range p.AgentPaths {
		if assigned.AgentID == agentID {
			return assigned, true
		}
	}
	return AssignedPath{}, false
}

// RequestType enumerates the messages an agent can send to the manager.
type RequestType string

const (
	RequestIdle              RequestType = "IDLE"
	RequestReachedGoal       RequestType = "REACHED_GOAL"
	RequestActionFailed      RequestType = "ACTION_FAILED"
	RequestAgentDisconnected RequestType = "AGENT_DISCONNECTED"
)

// ResponseType enumerates the manager's replies to agent requests.
type ResponseType string

const (
	ResponseRetry             ResponseType = "RETRY"
	ResponseWaitPlan          ResponseType = "WAIT_PLAN"
	ResponseAgentPlanCanceled ResponseType = "AGENT_PLAN_CANCELED"
	ResponseInvalidMessage    ResponseType = "INVALID_MESSAGE"
)

// AgentRequest is the request body of the agent_request service.
type AgentRequest struct {
	AgentMsg RequestType `json:"agent_msg"`
	AgentID  string      `json:"agent_id"`
}

// AgentResponse is the reply of the agent_request service.
type AgentResponse struct {
	ErrorMsg ResponseType `json:"error_msg"`
	Args     []string     `json:"args,omitempty"`
}

// MinRetryDelay is the shortest delay a RETRY reply carries.
const MinRetryDelay = time.Millisecond

// RetryResponse builds a RETRY reply asking the caller to wait delay, rounded
// up to whole milliseconds and never below MinRetryDelay.
func RetryResponse(delay time.Duration) AgentResponse {
	delay = max(delay, MinRetryDelay)
	if rem := delay % time.Millisecond; rem != 0 {
		delay += time.Millisecond - rem
	}
	return AgentResponse{
		ErrorMsg: ResponseRetry,
		Args:     []string{strconv.FormatFloat(delay.Seconds(), 'f', 3, 64)},
	}
}

// RetryAfter parses the server-dictated delay carried by a RETRY reply.
func (r AgentResponse) RetryAfter() (time.Duration, error) {
	if r.ErrorMsg != ResponseRetry {
		return 0, fmt.Errorf("response %s carries no retry delay", r.ErrorMsg)
	}
	if len(r.Args) == 0 {
		return 0, fmt.Errorf("retry response without delay argument")
	}
	secs, err := strconv.ParseFloat(r.Args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing retry delay %q: %w", r.Args[0], err)
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative retry delay %q", r.Args[0])
	}
	return time.Duration(secs * float64(time.Second)), nil
}
