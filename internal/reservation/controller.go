package reservation

import "sync"

// Controller holds at most one active form. A new bot reply either opens a
// fresh form for its custom.type or clears the current one.
type Controller struct {
	mu              sync.Mutex
	current         Form
	defaultFeatures []string
}

func NewController(defaultFeatures []string) *Controller {
	return &Controller{defaultFeatures: defaultFeatures}
}

// Apply opens the form for kind, replacing any previous form, or clears
// it when kind is KindNone. It reports whether the active kind changed.
func (c *Controller) Apply(kind Kind, custom map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := KindNone
	if c.current != nil {
		prev = c.current.Kind()
	}

	switch kind {
	case KindDatePicker:
		c.current = &DateForm{}
	case KindHeadcount:
		c.current = newHeadcountForm()
	case KindFeatureChecklist:
		c.current = newFeatureForm(c.featureOptions(custom))
	case KindPasswordChange:
		c.current = &PasswordForm{}
	default:
		c.current = nil
	}
	return prev != kind
}

// Clear closes the active form.
func (c *Controller) Clear() { c.Apply(KindNone, nil) }

// Active returns the kind of the open form, or KindNone.
func (c *Controller) Active() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return KindNone
	}
	return c.current.Kind()
}

// Current returns the open form, or nil.
func (c *Controller) Current() Form {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Submit renders the open form and locks it. The form stays open, so a
// later submit reports ErrFormSubmitted.
func (c *Controller) Submit() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", ErrNoForm
	}
	if c.current.Submitted() {
		return "", ErrFormSubmitted
	}
	sentence, err := c.current.Sentence()
	if err != nil {
		return "", err
	}
	c.current.markSubmitted()
	return sentence, nil
}

func (c *Controller) featureOptions(custom map[string]any) []string {
	raw, ok := custom["features"].([]any)
	if !ok {
		return c.defaultFeatures
	}
	var opts []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			opts = append(opts, s)
		}
	}
	if len(opts) == 0 {
		return c.defaultFeatures
	}
	return opts
}
