package servo

// pi — PI регулятор: I += Ki*offset*dt, out = Kp*offset + I.
// При включённом anti-windup интеграл ограничен ±limit.
type pi struct {
	kp, ki     float64
	integral   float64
	limit      float64
	antiWindup bool
}

// update возвращает выход, пропорциональную часть и признак срабатывания anti-windup.
func (p *pi) update(offsetNs, dtSec float64) (out, prop float64, clamped bool) {
	if dtSec > 0 {
		p.integral += p.ki * offsetNs * dtSec
	}
	if p.antiWindup && p.limit > 0 {
		if p.integral > p.limit {
			p.integral = p.limit
			clamped = true
		} else if p.integral < -p.limit {
			p.integral = -p.limit
			clamped = true
		}
	}
	prop = p.kp * offsetNs
	return prop + p.integral, prop, clamped
}

// reset сбрасывает интеграл
func (p *pi) reset() {
	p.integral = 0
}
