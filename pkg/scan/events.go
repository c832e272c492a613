package scan

// Action is a corrective step the UI or the device layer should take.
type Action string

const (
	ActionRequestPermission  Action = "request_permission_again"
	ActionShowPermissionHelp Action = "show_permission_guide"
	ActionSuggestTorch       Action = "suggest_torch"
	ActionAdjustLighting     Action = "recommend_lighting_adjustment"
	ActionAutoEnableTorch    Action = "auto_enable_torch"
	ActionAdjustFocus        Action = "adjust_focus"
	ActionStabilize          Action = "stabilize_camera"
	ActionReduceResolution   Action = "reduce_resolution"
	ActionGeneral            Action = "general_optimization"
	ActionShowManualInput    Action = "show_manual_input"
	ActionProvideGuidance    Action = "provide_guidance"
	ActionDisableTorch       Action = "disable_torch"
	ActionOptimizeExposure   Action = "optimize_exposure"
)

// Suggestion is a user facing hint emitted for the UI to display.
type Suggestion struct {
	Action  Action `json:"action"`
	Message string `json:"message"`
}

// Notifier receives suggestions. Implementations must not block.
type Notifier interface {
	Notify(s Suggestion)
}

type NotifierFunc func(s Suggestion)

func (f NotifierFunc) Notify(s Suggestion) { f(s) }

type nopNotifier struct{}

func (nopNotifier) Notify(Suggestion) {}

// NopNotifier drops every suggestion.
var NopNotifier Notifier = nopNotifier{}

// Collector is a Notifier that keeps everything it is given.
// It is not safe for concurrent use.
type Collector struct {
	Suggestions []Suggestion
}

func (c *Collector) Notify(s Suggestion) {
	c.Suggestions = append(c.Suggestions, s)
}
